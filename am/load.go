package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/engage/errors"
)

var (
	loadMu        sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records, per flattened key, the file that last set it.
	// Keys absent here come from defaults or the environment.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the engage configuration using Viper and validates it
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViperLocked())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper unmarshals and validates configuration from a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return LoadWithViper(v)
}

// Reset clears the cached configuration (used by the watcher and tests)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("ENGAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	// system -> user -> project, then env vars win
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserDir is ~/.engage, created on demand.
func UserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engage"
	}
	return filepath.Join(home, ".engage")
}

// UserConfigPath is the file `engage am set` writes to.
func UserConfigPath() string {
	return filepath.Join(UserDir(), "am.toml")
}

// findProjectConfig walks up from the working directory looking for am.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ConfigFiles returns the config files that exist, lowest precedence first.
func ConfigFiles() []ConfigFile {
	candidates := []ConfigFile{
		{Path: "/etc/engage/am.toml", Source: SourceSystem},
		{Path: UserConfigPath(), Source: SourceUser},
	}
	if project := findProjectConfig(); project != "" && project != UserConfigPath() {
		candidates = append(candidates, ConfigFile{Path: project, Source: SourceProject})
	}

	var found []ConfigFile
	for _, c := range candidates {
		if _, err := os.Stat(c.Path); err == nil {
			found = append(found, c)
		}
	}
	return found
}

// ConfigFile is one configuration file and where it sits in the precedence order.
type ConfigFile struct {
	Path   string
	Source ConfigSource
}

// mergeConfigFiles sets every leaf key of each file in precedence order so that
// a file overriding quota.limits.likes leaves the other limits at their defaults.
func mergeConfigFiles(v *viper.Viper) {
	os.MkdirAll(UserDir(), DefaultDirPermissions)

	for _, file := range ConfigFiles() {
		fv := viper.New()
		fv.SetConfigFile(file.Path)
		fv.SetConfigType("toml")
		if err := fv.ReadInConfig(); err != nil {
			continue
		}
		for _, key := range fv.AllKeys() {
			v.Set(key, fv.Get(key))
			ConfigSources[key] = SourceInfo{Source: file.Source, Path: file.Path}
		}
	}
}
