// Package config loads the YAML configuration shared by the server and the trainer.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"irisserve/errors"
)

const DatasetFileName = "iris.csv"

type Config struct {
	Paths struct {
		DataDir     string `yaml:"data_dir"`
		ModelPath   string `yaml:"model_path"`
		EncoderPath string `yaml:"encoder_path"`
	} `yaml:"paths"`
	HTTP struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Timeout          time.Duration `yaml:"timeout"`
		MaxBodyBytes     int64         `yaml:"max_body_bytes"`
		RateLimit        float64       `yaml:"rate_limit"`
		RateBurst        int           `yaml:"rate_burst"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
		PredictionCache  int           `yaml:"prediction_cache"`
		EnablePredictLog bool          `yaml:"enable_predict_log"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		Encoding   string `yaml:"encoding"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Training struct {
		Seed        int64   `yaml:"seed"`
		TestRatio   float64 `yaml:"test_ratio"`
		NEstimators int     `yaml:"n_estimators"`
		MaxDepth    int     `yaml:"max_depth"`
	} `yaml:"training"`
}

// Default places artifacts at the project root, the
// dataset under data/, port 8000.
func Default() *Config {
	var c Config
	c.Paths.DataDir = "data"
	c.Paths.ModelPath = "iris_model.json"
	c.Paths.EncoderPath = "label_encoder.json"
	c.HTTP.Host = "0.0.0.0"
	c.HTTP.Port = 8000
	c.HTTP.Timeout = 30 * time.Second
	c.HTTP.MaxBodyBytes = 1 << 20
	c.HTTP.AllowedOrigins = []string{"*"}
	c.HTTP.PredictionCache = 1024
	c.Log.Level = "INFO"
	c.Log.Encoding = "console"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
	c.Database.Path = "irisserve.db"
	c.Training.Seed = 42
	c.Training.TestRatio = 0.2
	c.Training.NEstimators = 200
	return &c
}

// Load reads path over the defaults, applies environment overrides and resolves
// relative paths against the directory holding the file. A missing or empty file
// is not an error: defaults plus environment are a complete configuration.
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir := "."

	if path != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil && err != io.EOF {
				return nil, errors.WrapFatal(err, "Config", "Load", "decode "+path)
			}
			baseDir = filepath.Dir(path)
		case os.IsNotExist(err):
		default:
			return nil, errors.WrapFatal(err, "Config", "Load", "open "+path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolve(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.HTTP.Host = host
	}
	if port := os.Getenv("API_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return errors.WrapFatal(err, "Config", "applyEnv", "parse API_PORT")
		}
		c.HTTP.Port = p
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}

func (c *Config) resolve(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Paths.DataDir = abs(c.Paths.DataDir)
	c.Paths.ModelPath = abs(c.Paths.ModelPath)
	c.Paths.EncoderPath = abs(c.Paths.EncoderPath)
	c.Database.Path = abs(c.Database.Path)
	c.Log.File = abs(c.Log.File)
}

func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", msg)
	}
	if c.Paths.ModelPath == "" || c.Paths.EncoderPath == "" {
		return invalid("artifact paths are required")
	}
	if c.Paths.ModelPath == c.Paths.EncoderPath {
		return invalid("model and encoder paths must differ")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return invalid(fmt.Sprintf("http port %d out of range", c.HTTP.Port))
	}
	if c.Training.TestRatio <= 0 || c.Training.TestRatio >= 1 {
		return invalid(fmt.Sprintf("test ratio %v must be in (0,1)", c.Training.TestRatio))
	}
	if c.Training.NEstimators <= 0 {
		return invalid("n_estimators must be positive")
	}
	return nil
}

// DatasetPath is where the trainer expects the labeled table.
func (c *Config) DatasetPath() string {
	return filepath.Join(c.Paths.DataDir, DatasetFileName)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
