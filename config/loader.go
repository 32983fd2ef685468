package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "sitesync.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/sitesync"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	getenv  func(string) string
	homeDir func() (string, error)
	workDir func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:  logger,
		getenv:  os.Getenv,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/sitesync/config.yaml)
// 3. Project config (sitesync.yaml in current or parent directories)
// 4. explicitPath, when set; it must exist
// 5. Environment variables
//
// Each file is decoded over the previous layers, so keys a file omits keep
// their earlier values.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if err := overlayFile(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", "path", userConfigPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", "path", userConfigPath, "error", err)
		}
	}

	if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if err := overlayFile(config, projectConfigPath); err != nil {
			return nil, fmt.Errorf("load project config %s: %w", projectConfigPath, err)
		}
		l.logger.Debug("Loaded project config", "path", projectConfigPath)
	} else {
		l.logger.Debug("No project config found")
	}

	if explicitPath != "" {
		if err := overlayFile(config, explicitPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		l.logger.Debug("Loaded config", "path", explicitPath)
	}

	if err := config.ApplyEnv(l.getenv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// overlayFile decodes the YAML file at path onto config.
func overlayFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("no home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	if err := DefaultConfig().SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", "path", userConfigPath)
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for sitesync.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
