// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scribeapp/scribed/internal/log"
)

// Persisted settings keys.
const (
	settingModelsDir    = "models_dir"
	settingPreferGPU    = "prefer_gpu"
	settingDefaultModel = "default_model"
	settingComputeType  = "compute_type"
)

// ModelsDirSetting is the persisted models directory key. The daemon reads
// it at boot so a user-selected directory survives restarts.
const ModelsDirSetting = settingModelsDir

// Defaults applied when a setting has never been written.
const (
	defaultModel       = "base"
	defaultComputeType = "auto"
)

// validComputeTypes is the accepted domain of the compute_type setting.
var validComputeTypes = map[string]struct{}{
	"auto": {}, "float16": {}, "int8": {},
}

// Settings is the full application settings snapshot.
type Settings struct {
	ModelsDir    string `json:"models_dir"`
	PreferGPU    bool   `json:"prefer_gpu"`
	DefaultModel string `json:"default_model"`
	ComputeType  string `json:"compute_type"`
}

// UpdateSettingsRequest carries a partial settings update. Absent fields
// keep their current values.
type UpdateSettingsRequest struct {
	ModelsDir    string `json:"models_dir,omitempty"`
	PreferGPU    *bool  `json:"prefer_gpu,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
	ComputeType  string `json:"compute_type,omitempty"`
}

// GetSettings returns the stored settings with defaults filled in.
func (s *Service) GetSettings(ctx context.Context) (Settings, error) {
	stored, err := s.store.AllSettings(ctx)
	if err != nil {
		return Settings{}, internalf("Failed to read settings: %v", err)
	}

	out := Settings{
		ModelsDir:    s.locator.Dir(),
		PreferGPU:    true,
		DefaultModel: defaultModel,
		ComputeType:  defaultComputeType,
	}
	if v, ok := stored[settingModelsDir]; ok && v != "" {
		out.ModelsDir = v
	}
	if v, ok := stored[settingPreferGPU]; ok {
		out.PreferGPU = strings.EqualFold(v, "true")
	}
	if v, ok := stored[settingDefaultModel]; ok && v != "" {
		out.DefaultModel = v
	}
	if v, ok := stored[settingComputeType]; ok && v != "" {
		out.ComputeType = v
	}
	return out, nil
}

// UpdateSettings validates and persists the supplied settings, then returns
// the resulting snapshot. A models_dir change takes effect immediately: the
// locator is repointed and the directory watcher rearmed.
func (s *Service) UpdateSettings(ctx context.Context, req UpdateSettingsRequest) (Settings, error) {
	if req.ModelsDir != "" && !filepath.IsAbs(req.ModelsDir) {
		return Settings{}, invalidf("models_dir must be an absolute path")
	}
	if req.ComputeType != "" {
		if _, ok := validComputeTypes[req.ComputeType]; !ok {
			return Settings{}, invalidf("compute_type must be one of: auto, float16, int8")
		}
	}

	if req.ModelsDir != "" {
		if err := s.locator.SetDir(req.ModelsDir); err != nil {
			return Settings{}, internalf("Failed to switch models directory: %v", err)
		}
		if err := s.store.SetSetting(ctx, settingModelsDir, req.ModelsDir); err != nil {
			return Settings{}, internalf("Failed to save settings: %v", err)
		}
		if s.watcher != nil {
			if err := s.watcher.Rearm(); err != nil {
				s.logger.Warn().Err(err).Str(log.FieldPath, req.ModelsDir).Msg("models watcher rearm failed")
			}
		}
		s.logger.Info().Str(log.FieldPath, req.ModelsDir).Msg("models directory changed")
	}

	if req.PreferGPU != nil {
		if err := s.store.SetSetting(ctx, settingPreferGPU, strconv.FormatBool(*req.PreferGPU)); err != nil {
			return Settings{}, internalf("Failed to save settings: %v", err)
		}
	}
	if req.DefaultModel != "" {
		if err := s.store.SetSetting(ctx, settingDefaultModel, req.DefaultModel); err != nil {
			return Settings{}, internalf("Failed to save settings: %v", err)
		}
	}
	if req.ComputeType != "" {
		if err := s.store.SetSetting(ctx, settingComputeType, req.ComputeType); err != nil {
			return Settings{}, internalf("Failed to save settings: %v", err)
		}
	}

	return s.GetSettings(ctx)
}

// preferGPU reads the prefer_gpu setting, defaulting to true.
func (s *Service) preferGPU(ctx context.Context) bool {
	v, ok, err := s.store.GetSetting(ctx, settingPreferGPU)
	if err != nil || !ok {
		return true
	}
	return strings.EqualFold(v, "true")
}

// computeType reads the compute_type setting, defaulting to "auto".
func (s *Service) computeType(ctx context.Context) string {
	v, ok, err := s.store.GetSetting(ctx, settingComputeType)
	if err != nil || !ok || v == "" {
		return defaultComputeType
	}
	return v
}
