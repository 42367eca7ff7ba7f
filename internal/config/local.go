package config

import (
	"os"
	"path/filepath"
)

// LocalConfigName is the per-directory config file searched upward from
// the working directory
const LocalConfigName = ".testbed-orch.toml"

// FindLocalConfig walks from the working directory to the filesystem root
// and returns the first LocalConfigName found, or "" if none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path if given, else a local
// config file, else the default location.
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
