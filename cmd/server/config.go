package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/bousai-web-ui/internal/chat"
	"github.com/MegaGrindStone/bousai-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"logLevel"`
	StreamInterval time.Duration `yaml:"streamInterval"`
	Vertex         vertexConfig  `yaml:"vertex"`
	Maps           mapsConfig    `yaml:"maps"`
}

type vertexConfig struct {
	CredentialsFile string `yaml:"credentialsFile"`
	ProjectID       string `yaml:"projectID"`
	Location        string `yaml:"location"`
	EndpointID      string `yaml:"endpointID"`
	Method          string `yaml:"method"`
}

type mapsConfig struct {
	APIKey string `yaml:"apiKey"`
}

const defaultPort = "8080"

// loadConfig reads the YAML config file at path, then fills every empty field from the environment and
// the defaults. An empty path means the default location, where a missing file is not an error.
func loadConfig(path string) (config, error) {
	cfg := config{}

	explicit := path != ""
	if !explicit {
		var err error
		path, err = defaultConfigPath()
		if err != nil {
			return config{}, err
		}
	}

	cfgFile, err := os.Open(path)
	switch {
	case err == nil:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "bousai", "config.yaml"), nil
}

func (c *config) applyEnv() {
	c.Port = valueOrEnv(c.Port, "PORT", defaultPort)
	c.LogLevel = valueOrEnv(c.LogLevel, "LOG_LEVEL", "info")
	if c.StreamInterval <= 0 {
		c.StreamInterval = chat.DefaultStreamInterval
	}

	c.Vertex.CredentialsFile = valueOrEnv(c.Vertex.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS", "")
	c.Vertex.ProjectID = valueOrEnv(c.Vertex.ProjectID, "PROJECT_ID", "")
	c.Vertex.Location = valueOrEnv(c.Vertex.Location, "LOCATION", "")
	c.Vertex.EndpointID = valueOrEnv(c.Vertex.EndpointID, "ENDPOINT_ID", "")
	c.Vertex.Method = valueOrEnv(c.Vertex.Method, "VERTEX_METHOD", services.DefaultVertexMethod)

	c.Maps.APIKey = valueOrEnv(c.Maps.APIKey, "GOOGLE_MAPS_API_KEY", "")
}

func (c config) validate() error {
	var errs []error
	if c.Vertex.ProjectID == "" {
		errs = append(errs, errors.New("vertex project id is required (PROJECT_ID)"))
	}
	if c.Vertex.Location == "" {
		errs = append(errs, errors.New("vertex location is required (LOCATION)"))
	}
	if c.Vertex.EndpointID == "" {
		errs = append(errs, errors.New("vertex endpoint id is required (ENDPOINT_ID)"))
	}
	if c.Maps.APIKey == "" {
		errs = append(errs, errors.New("maps api key is required (GOOGLE_MAPS_API_KEY)"))
	}
	return errors.Join(errs...)
}

func (c config) level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (v vertexConfig) endpointURL() string {
	return services.VertexEndpointURL(v.ProjectID, v.Location, v.EndpointID, v.Method)
}

func valueOrEnv(value, key, defaultVal string) string {
	if value != "" {
		return value
	}
	if env := os.Getenv(key); env != "" {
		return env
	}
	return defaultVal
}
