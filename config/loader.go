package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
	ErrEmptyConfig       = errors.New("config: configuration is empty")
)

// FileLoader decodes one configuration format
type FileLoader interface {
	Load(name string, reader io.Reader, target *Config) error
	Extensions() []string
}

// Loader picks a FileLoader by file extension, decodes and validates
type Loader struct {
	fileLoaders map[string]FileLoader
}

// NewLoader creates a loader for YAML and HCL files
func NewLoader() *Loader {
	l := &Loader{fileLoaders: make(map[string]FileLoader)}
	l.RegisterLoader(&YAMLLoader{})
	l.RegisterLoader(&HCLLoader{})
	return l
}

// RegisterLoader registers a file loader for each of its extensions
func (l *Loader) RegisterLoader(loader FileLoader) {
	for _, ext := range loader.Extensions() {
		l.fileLoaders[strings.TrimPrefix(strings.ToLower(ext), ".")] = loader
	}
}

// LoadFile loads and validates the configuration in path
func (l *Loader) LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer file.Close()

	return l.Load(path, file)
}

// Load decodes reader using the loader registered for name's extension
func (l *Loader) Load(name string, reader io.Reader) (*Config, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	loader, ok := l.fileLoaders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}

	cfg := &Config{}
	if err := loader.Load(name, reader, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	cfg.Source = name

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// LoadFile loads path with the default loader
func LoadFile(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// YAMLLoader decodes YAML. Unknown keys are errors.
type YAMLLoader struct{}

func (y *YAMLLoader) Load(_ string, reader io.Reader, target *Config) error {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyConfig
		}
		return err
	}
	return nil
}

func (y *YAMLLoader) Extensions() []string {
	return []string{"yaml", "yml"}
}
