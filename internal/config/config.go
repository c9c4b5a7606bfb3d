// Package config loads the subsystem configuration: an optional
// stacksnap.yaml at the project root plus STACKSNAP_* environment overrides.
// The resolved project root is threaded explicitly through every component
// instead of living in ambient process state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// ProjectRoot is the platform checkout this subsystem operates on. Empty
	// means discover it by walking up from the working directory.
	ProjectRoot string `mapstructure:"project_root"`

	BackupsDir string `mapstructure:"backups_dir"`
	StorageDir string `mapstructure:"storage_dir"`
	EnvFile    string `mapstructure:"env_file"`

	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	ConfigVolume ConfigVolumeConfig `mapstructure:"config_volume"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type DatabaseConfig struct {
	// Container is the name of the running database service container.
	Container string `mapstructure:"container"`
	User      string `mapstructure:"user"`

	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

type ConfigVolumeConfig struct {
	// Name is the named volume holding the platform's cryptographic material.
	Name string `mapstructure:"name"`
	// MountPath is where the service container mounts the volume.
	MountPath string `mapstructure:"mount_path"`
	// HelperImage runs the ephemeral archiver that reaches the volume.
	HelperImage string `mapstructure:"helper_image"`
}

// Markers identifying the project root when it is not configured explicitly.
var rootMarkers = []string{"stacksnap.yaml", "docker-compose.yml", ".env", ".git"}

// Load reads configuration from the optional config file and the environment.
// cfgFile may be empty; explicitRoot overrides discovery when set.
func Load(cfgFile, explicitRoot string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("backups_dir", "backups")
	v.SetDefault("storage_dir", "storage")
	v.SetDefault("env_file", ".env")
	v.SetDefault("database.container", "platform-db")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ready_timeout", 60*time.Second)
	v.SetDefault("database.ready_interval", 2*time.Second)
	v.SetDefault("config_volume.name", "db-config")
	v.SetDefault("config_volume.mount_path", "/etc/platform/config")
	v.SetDefault("config_volume.helper_image", "alpine:3.20")

	v.SetEnvPrefix("STACKSNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("stacksnap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if root := explicitRoot; root != "" {
			v.AddConfigPath(root)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if explicitRoot != "" {
		cfg.ProjectRoot = explicitRoot
	}
	if cfg.ProjectRoot == "" {
		root, err := FindProjectRoot(".")
		if err != nil {
			return nil, err
		}
		cfg.ProjectRoot = root
	}
	abs, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	cfg.ProjectRoot = abs

	cfg.BackupsDir = cfg.resolve(cfg.BackupsDir)
	cfg.StorageDir = cfg.resolve(cfg.StorageDir)
	cfg.EnvFile = cfg.resolve(cfg.EnvFile)
	if cfg.Log.File != "" {
		cfg.Log.File = cfg.resolve(cfg.Log.File)
	}

	return &cfg, nil
}

// resolve makes a path absolute relative to the project root.
func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.ProjectRoot, path)
}

// FindProjectRoot walks up from start looking for a directory containing one
// of the project markers.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve start directory: %w", err)
	}

	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project root not found above %s", start)
		}
		dir = parent
	}
}
