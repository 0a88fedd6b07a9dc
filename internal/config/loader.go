package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix    = "WIRECHAT"
	envConfigDir = "WIRECHAT_CONFIG_DIR"
	fileName     = "config.yaml"
)

const starterHeader = `# wirechat-relay configuration.
# Any key can be overridden from the environment as WIRECHAT_<SECTION>_<KEY>,
# for example WIRECHAT_SESSION_IDLE_TIMEOUT=2m.
`

// Load reads the relay configuration and returns it with the file path used.
// A missing file is replaced by a starter file holding the defaults.
//
// Later sources win: defaults, the file, WIRECHAT_* variables. Flags are
// applied by the caller through UpdateFrom.
func Load(logger *zerolog.Logger, path string) (Config, string, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	path = Path(path)
	cfg, found, err := read(path)
	if err != nil {
		return cfg, path, err
	}

	if !found {
		if err := writeStarter(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("could not write starter config")
		} else {
			logger.Info().Str("path", path).Msg("wrote starter config")
		}
	}
	if cfg.Auth.JWTSecret == Default().Auth.JWTSecret {
		logger.Warn().Msg("auth.jwt_secret still holds the starter value")
	}
	return cfg, path, nil
}

// Read is Load without side effects on disk.
func Read(path string) (Config, error) {
	cfg, _, err := read(Path(path))
	return cfg, err
}

// Path resolves where the config file lives. An explicit directory gets the
// default file name appended.
func Path(explicit string) string {
	switch {
	case explicit != "":
		if info, err := os.Stat(explicit); err == nil && info.IsDir() {
			return filepath.Join(explicit, fileName)
		}
		return explicit
	case os.Getenv(envConfigDir) != "":
		return filepath.Join(os.Getenv(envConfigDir), fileName)
	}

	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, fileName)
	}
	return fileName
}

func read(path string) (Config, bool, error) {
	cfg := Default()

	v, err := newViper(cfg)
	if err != nil {
		return cfg, false, err
	}

	found := true
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, false, fmt.Errorf("read config %s: %w", path, err)
		}
		found = false
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, found, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, found, nil
}

// newViper seeds every key with its default so env overrides reach keys the
// file leaves out.
func newViper(defaults Config) (*viper.Viper, error) {
	seed, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(seed)); err != nil {
		return nil, fmt.Errorf("seed defaults: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func writeStarter(path string) error {
	body, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteString(starterHeader)
	buf.Write(body)
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
