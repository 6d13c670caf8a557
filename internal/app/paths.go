package app

import (
	"path/filepath"
	"strings"

	"github.com/meshrelay/meshrelay/internal/config"
)

// Paths stores resolved runtime file locations. Relative paths in the config
// file are taken relative to the config file's directory.
type Paths struct {
	ConfigFile string
	EnvFile    string
	DBFile     string
	LogFile    string
}

func ResolvePaths(configFile, envFile string, cfg config.Config) Paths {
	if strings.TrimSpace(configFile) == "" {
		configFile = DefaultConfigFile
	}
	root := filepath.Dir(configFile)
	if strings.TrimSpace(envFile) == "" {
		envFile = filepath.Join(root, DefaultEnvFile)
	}

	return Paths{
		ConfigFile: configFile,
		EnvFile:    envFile,
		DBFile:     relativeTo(root, cfg.Database.Path),
		LogFile:    relativeTo(root, cfg.Logging.File),
	}
}

func relativeTo(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(root, path)
}
