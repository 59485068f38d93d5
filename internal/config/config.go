// Package config loads the statewipe.toml configuration file and the
// built-in cleaning pattern catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// PatternCatalog holds the SQL LIKE fragments used to select target
// records inside a data store. Patterns are grouped so individual
// groups can be overridden from statewipe.toml without losing the
// built-in defaults for the others.
type PatternCatalog struct {
	Augment    []string `toml:"augment"`
	Telemetry  []string `toml:"telemetry"`
	Extensions []string `toml:"extensions"`
	Custom     []string `toml:"custom"`
}

// Config represents the statewipe.toml configuration file.
type Config struct {
	BackupDir              string         `toml:"backup_dir"`
	RestoreScope           string         `toml:"restore_scope"`
	EffectivenessThreshold int            `toml:"effectiveness_threshold"`
	AssetTimeoutSeconds    int            `toml:"asset_timeout_seconds"`
	Patterns               PatternCatalog `toml:"patterns"`
	ConfigFilePath         string         `toml:"-"`
}

// defaultPatterns is the versioned built-in catalog. SQLite LIKE is
// ASCII-case-insensitive, so the case variants select the same rows;
// matching and deletion both treat overlapping patterns as one set.
var defaultPatterns = PatternCatalog{
	Augment: []string{
		"%augment%", "%Augment%", "%AUGMENT%",
		"%context7%", "%Context7%", "%CONTEXT7%",
	},
	Telemetry: []string{
		"%telemetry%", "%machineId%", "%deviceId%", "%sqmId%",
	},
	Extensions: []string{
		"%augment.%", "%context7.%",
	},
	Custom: []string{},
}

const (
	defaultEffectivenessThreshold = 100
	defaultAssetTimeoutSeconds    = 30
)

// Load reads statewipe.toml from the given path, or walks up from the
// current directory until a config file or a project boundary is found.
// A missing file is not an error; defaults apply.
func Load(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return loadFile(explicitPath)
	}

	startDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	dir := startDir
	for {
		configPath := filepath.Join(dir, "statewipe.toml")
		if _, err := os.Stat(configPath); err == nil {
			return loadFile(configPath)
		}

		if isProjectRoot(dir) {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	cfg := &Config{}
	cfg.applyDefaults()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ConfigFilePath = path
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EffectivenessThreshold == 0 {
		c.EffectivenessThreshold = defaultEffectivenessThreshold
	}
	if c.AssetTimeoutSeconds == 0 {
		c.AssetTimeoutSeconds = defaultAssetTimeoutSeconds
	}
	if len(c.Patterns.Augment) == 0 {
		c.Patterns.Augment = defaultPatterns.Augment
	}
	if len(c.Patterns.Telemetry) == 0 {
		c.Patterns.Telemetry = defaultPatterns.Telemetry
	}
	if len(c.Patterns.Extensions) == 0 {
		c.Patterns.Extensions = defaultPatterns.Extensions
	}
}

// CleaningPatterns returns the pattern groups applied during the
// database phase: the augment group plus any custom additions. The
// telemetry group is not deleted wholesale; telemetry keys are replaced
// during the transform phase instead.
func (c *Config) CleaningPatterns() []string {
	patterns := make([]string, 0, len(c.Patterns.Augment)+len(c.Patterns.Custom))
	patterns = append(patterns, c.Patterns.Augment...)
	patterns = append(patterns, c.Patterns.Custom...)
	return patterns
}

// GetBackupDir returns the backup root with priority:
// explicit flag > STATEWIPE_BACKUP_DIR env var > config > default.
func GetBackupDir(explicitValue string, cfg *Config, defaultValue string) string {
	if explicitValue != "" {
		return explicitValue
	}
	if envValue := os.Getenv("STATEWIPE_BACKUP_DIR"); envValue != "" {
		return envValue
	}
	if cfg != nil && cfg.BackupDir != "" {
		return cfg.BackupDir
	}
	return defaultValue
}

// GetRestoreScope returns the restore scope with priority:
// explicit flag > config > default.
func GetRestoreScope(explicitValue string, cfg *Config, defaultValue string) string {
	if explicitValue != "" {
		return explicitValue
	}
	if cfg != nil && cfg.RestoreScope != "" {
		return cfg.RestoreScope
	}
	return defaultValue
}

// isProjectRoot checks if the directory is a project root based on common markers
func isProjectRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
		return true
	}
	return false
}
