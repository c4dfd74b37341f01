// SPDX-License-Identifier: MIT

// Package translate converts transcript text between languages using the
// unauthenticated Google Translate endpoint. Calls are rate limited and the
// supported target set is fixed.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/metrics"
)

const (
	endpoint    = "https://translate.googleapis.com/translate_a/single"
	callTimeout = 10 * time.Second
)

// supported is the closed set of translation targets.
var supported = map[string]struct{}{
	"en": {}, "es": {}, "fr": {}, "de": {}, "it": {},
	"pt": {}, "ja": {}, "zh": {}, "ko": {},
}

// Supported reports whether lang is an allowed translation target.
// Matching is exact; callers normalize first.
func Supported(lang string) bool {
	_, ok := supported[lang]
	return ok
}

// Normalize reduces a caller-supplied language tag to its bare language
// subtag: "DE", "de-AT" and "de_AT" all map to "de". Input that is not a
// well-formed BCP 47 tag is lowercased and trimmed unchanged, so the
// supported-set check still produces a clean error.
func Normalize(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return ""
	}
	if tag, err := language.Parse(lang); err == nil {
		if base, conf := tag.Base(); conf > language.No {
			return base.String()
		}
	}
	return strings.ToLower(lang)
}

// ValidTag reports whether lang parses as a BCP 47 language tag. Source
// languages pass through to the recognizer either way; this only feeds a
// warning.
func ValidTag(lang string) bool {
	_, err := language.Parse(lang)
	return err == nil
}

// Languages returns the allowed targets in sorted order.
func Languages() []string {
	out := make([]string, 0, len(supported))
	for lang := range supported {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Client calls the translation endpoint.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient returns a client with the per-call timeout and a small request
// budget against the shared public endpoint.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout:   callTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		base:    endpoint,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		logger:  log.WithComponent("translate"),
	}
}

// Translate returns text rendered in target. Blank input is returned as is
// without a network call.
func (c *Client) Translate(ctx context.Context, text, target string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	if !Supported(target) {
		return "", fmt.Errorf("unsupported translation language: %s", target)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	q := url.Values{
		"client": {"gtx"},
		"sl":     {"auto"},
		"tl":     {target},
		"dt":     {"t"},
		"q":      {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TranslateRequestsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("translate request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.TranslateRequestsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("translate request: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.TranslateRequestsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("read translate response: %w", err)
	}

	out, err := parseResponse(body)
	if err != nil {
		metrics.TranslateRequestsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.TranslateRequestsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().
		Str(log.FieldLanguage, target).
		Int("chars", len(text)).
		Msg("translated text")
	return out, nil
}

// parseResponse extracts the translation from the endpoint's bare-array
// payload: element 0 is a list of chunks whose first field is the translated
// piece. Chunks with a null first field are skipped.
func parseResponse(body []byte) (string, error) {
	var payload []json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("parse translate response: %w", err)
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("translation service returned an empty result")
	}

	var chunks [][]json.RawMessage
	if err := json.Unmarshal(payload[0], &chunks); err != nil {
		return "", fmt.Errorf("parse translate chunks: %w", err)
	}

	var b strings.Builder
	for _, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		var piece string
		if err := json.Unmarshal(chunk[0], &piece); err != nil {
			continue
		}
		b.WriteString(piece)
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", fmt.Errorf("translation service returned an empty result")
	}
	return out, nil
}
