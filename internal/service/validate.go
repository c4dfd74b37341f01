// SPDX-License-Identifier: MIT

package service

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// allowedExtensions is the closed set of container formats the recognition
// runtime accepts.
var allowedExtensions = map[string]struct{}{
	".wav": {}, ".mp3": {}, ".m4a": {}, ".flac": {},
	".ogg": {}, ".mp4": {}, ".webm": {},
}

// blockedPrefixes are system directories the daemon must never read, even
// through symlinks.
var blockedPrefixes = []string{
	"/etc", "/proc", "/sys", "/dev",
	"/boot", "/sbin", "/bin", "/lib",
}

// validateAudioPath sanitises a caller-supplied audio file path. It returns
// the canonical path, or an ErrInvalidArgument error carrying a
// caller-facing message.
func validateAudioPath(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", invalidf("Audio file path is empty")
	}
	if !filepath.IsAbs(raw) {
		return "", invalidf("Audio file path must be absolute")
	}

	// Resolve ".." and symlinks to a canonical path so the prefix check
	// below cannot be bypassed. A dangling symlink falls back to the
	// cleaned path and fails the regular-file check.
	resolved, err := filepath.EvalSymlinks(filepath.Clean(raw))
	if err != nil {
		resolved = filepath.Clean(raw)
	}

	for _, prefix := range blockedPrefixes {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return "", invalidf("Access denied: path is inside a system directory")
		}
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", invalidf("Unsupported file type '%s'. Allowed: %s", ext, allowedExtensionList())
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", invalidf("Audio file not found: %s", resolved)
	}

	return resolved, nil
}

func allowedExtensionList() string {
	exts := make([]string, 0, len(allowedExtensions))
	for ext := range allowedExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}
