package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. REKEY_REKEY_BATCH_SIZE
// or REKEY_KAFKA_BROKERS=a:9092,b:9092.
const EnvPrefix = "REKEY"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files, environment
// variables, or remote configuration services.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	// It returns the parsed configuration or an error if loading fails.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader layers defaults, an optional file, environment variables and
// any flags bound on its viper instance.
type ViperLoader struct {
	v    *viper.Viper
	path string
}

var _ Loader = (*ViperLoader)(nil)

// NewViper returns a viper instance seeded with Default and wired to the
// REKEY_ environment. Callers bind flags on it before loading.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// NewViperLoader creates a loader over v. An empty path skips the file
// layer.
func NewViperLoader(v *viper.Viper, path string) *ViperLoader {
	return &ViperLoader{v: v, path: path}
}

// Load reads the layers, decodes them into a Config and validates it.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if l.path != "" {
		l.v.SetConfigFile(l.path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a convenience for NewViperLoader(v, path).Load.
func Load(ctx context.Context, v *viper.Viper, path string) (*Config, error) {
	return NewViperLoader(v, path).Load(ctx)
}

// setDefaults registers every leaf of cfg so that AutomaticEnv can override
// keys that appear in neither the file nor the flags.
func setDefaults(v *viper.Viper, cfg Config) {
	var m map[string]any
	raw, err := yaml.Marshal(cfg)
	if err == nil {
		err = yaml.Unmarshal(raw, &m)
	}
	if err != nil {
		// Config only holds plain values; this cannot fail.
		panic(fmt.Sprintf("config: encoding defaults: %v", err))
	}
	walkDefaults(v, "", m)
}

func walkDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			walkDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Render returns cfg as YAML.
func Render(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return yaml.Marshal(cfg)
}
