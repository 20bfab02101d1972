package config

import (
	"os"
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the optional config file looked up in the working directory
const FileName = "depi-build.toml"

// Config describes all configuration options
type Config struct {
	Prefix   string `usage:"Destination root for install and uninstall (default: ~/.local/bin)"`
	Tasks    string `usage:"Task script to use instead of searching for tasks.star"`
	Progress bool   `default:"true" usage:"Show a progress bar while copying the release artifact"`
	Log      struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Values
// are read from defaults, the optional config file in dir and DEPI_* environment variables
// (i.e. DEPI_PREFIX). Command line flags are left to the caller.
func Loader(dir string) (*Config, *aconfig.Loader) {
	files := []string{}
	cfgPath := filepath.Join(dir, FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		files = append(files, cfgPath)
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "DEPI",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shorthand for Loader() followed by Load() and Validate()
func Load(dir string) (*Config, error) {
	cfg, loader := Loader(dir)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "Failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// DestRoot returns the directory depi is installed into. If no prefix was configured, this is
// the user's ~/.local/bin directory.
func (cfg *Config) DestRoot() (string, error) {
	if cfg.Prefix != "" {
		return filepath.Abs(cfg.Prefix)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", eris.Wrap(err, "Failed to determine the home directory; please set DEPI_PREFIX")
	}

	return filepath.Join(home, ".local", "bin"), nil
}
