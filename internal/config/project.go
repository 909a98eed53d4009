package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rshade/loadstate/internal/logging"
)

// EnvProjectDir points at a project directory explicitly.
const EnvProjectDir = "LOADSTATE_PROJECT_DIR"

// ResolveProjectDir determines the project-local .loadstate directory.
// It checks (in order):
//  1. flagValue (--project-dir CLI flag)
//  2. LOADSTATE_PROJECT_DIR env var
//  3. walking up from startDir to the first directory holding .loadstate/config.yaml
//
// Returns an absolute path, or "" when no project is found. Nothing is created.
func ResolveProjectDir(ctx context.Context, flagValue, startDir string) string {
	if flagValue != "" {
		return toAbsProjectDir(ctx, flagValue)
	}

	if envDir := os.Getenv(EnvProjectDir); envDir != "" {
		return toAbsProjectDir(ctx, envDir)
	}

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}
	home, _ := HomeDir()
	for {
		candidate := filepath.Join(dir, dirName)
		// The global home directory is not a project.
		if candidate != home {
			if _, statErr := os.Stat(filepath.Join(candidate, fileName)); statErr == nil {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithProjectDir loads the global config from path and then shallow-merges
// projectDir/config.yaml on top. Environment overrides are applied last. A
// broken project overlay is logged and ignored.
func LoadWithProjectDir(ctx context.Context, path, projectDir string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if projectDir == "" {
		return cfg, nil
	}

	overlayPath := filepath.Join(projectDir, fileName)
	if _, statErr := os.Stat(overlayPath); statErr != nil {
		return cfg, nil
	}

	merged := *cfg
	if mergeErr := ShallowMergeYAML(&merged, overlayPath); mergeErr != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().
			Ctx(ctx).
			Str("component", "config").
			Str("operation", "merge_project_config").
			Err(mergeErr).
			Str("overlay_path", overlayPath).
			Msg("failed to merge project config, using global settings")
		return cfg, nil
	}
	if err = merged.ApplyEnv(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// toAbsProjectDir converts dir to an absolute path ending in .loadstate.
func toAbsProjectDir(ctx context.Context, dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().
			Ctx(ctx).
			Str("component", "config").
			Err(err).
			Str("dir", dir).
			Msg("failed to resolve absolute path for project directory")
		abs = dir
	}

	if filepath.Base(abs) == dirName {
		return abs
	}
	return filepath.Join(abs, dirName)
}
