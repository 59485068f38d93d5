package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file sitting next to the resolved config
// file (or in the current directory when no config file was found) so
// that STATEWIPE_* variables can be kept out of the shell profile.
// A missing .env file is not an error.
func LoadDotenv(cfg *Config) error {
	dir := "."
	if cfg != nil && cfg.ConfigFilePath != "" {
		dir = filepath.Dir(cfg.ConfigFilePath)
	}

	dotenvPath := filepath.Join(dir, ".env")
	if _, err := os.Stat(dotenvPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return godotenv.Load(dotenvPath)
}
