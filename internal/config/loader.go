package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileLoader decodes one configuration file format.
type FileLoader interface {
	Load(reader io.Reader, target any) error
	Extension() string
}

// YAMLLoader decodes YAML overlay files.
type YAMLLoader struct{}

func (YAMLLoader) Load(reader io.Reader, target any) error {
	return yaml.NewDecoder(reader).Decode(target)
}

func (YAMLLoader) Extension() string { return "yaml" }

// JSONLoader decodes JSON overlay files.
type JSONLoader struct{}

func (JSONLoader) Load(reader io.Reader, target any) error {
	return json.NewDecoder(reader).Decode(target)
}

func (JSONLoader) Extension() string { return "json" }

// Loader assembles a Config from layered sources: defaults, then base and
// environment overlay files, then environment variables. Duration fields in
// overlay files take integer nanoseconds; forms like "15s" parse only from
// environment variables.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
	fileLoaders []FileLoader
}

// NewLoader builds a loader rooted at basePath (CONFIG_DIR or ./config by
// default).
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = os.Getenv("CONFIG_DIR")
	}
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{
		basePath:    basePath,
		environment: env,
		fileLoaders: []FileLoader{YAMLLoader{}, JSONLoader{}},
	}
}

// Load assembles and validates the configuration. Missing overlay files are
// fine; a file that exists but fails to parse is not.
func (l *Loader) Load() (*Config, error) {
	cfg := Default(l.environment)
	l.sources = []string{"defaults"}

	if err := l.loadFile("base", cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading base config: %w", err)
	}
	if err := l.loadFile(string(l.environment), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading %s config: %w", l.environment, err)
	}
	if l.environment == Development {
		if err := l.loadFile("local", cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading local config: %w", err)
		}
	}

	cfg.applyEnv()
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(name string, cfg *Config) error {
	for _, loader := range l.fileLoaders {
		path := filepath.Join(l.basePath, fmt.Sprintf("%s.%s", name, loader.Extension()))

		file, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		err = loader.Load(file, cfg)
		file.Close()
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}

		l.sources = append(l.sources, path)
		return nil
	}
	return os.ErrNotExist
}

// Load assembles the configuration for the current environment.
func Load() (*Config, error) {
	return NewLoader("", CurrentEnvironment()).Load()
}

// MustLoad loads the configuration and panics on error. For use in main only.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("loading configuration: %v", err))
	}
	return cfg
}
