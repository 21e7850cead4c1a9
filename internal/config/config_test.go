package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoggerConfig(t *testing.T) {
	config := LoggerConfig{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{"stdout", "stderr"},
	}

	assert.Equal(t, "debug", config.Level)
	assert.Equal(t, "json", config.Format)
	assert.Contains(t, config.OutputPaths, "stdout")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Catalog.MaxOriginalValues)
	assert.Equal(t, 10, cfg.Catalog.MaxParamExamples)
	assert.Equal(t, 100, cfg.Catalog.MaxQuarantined)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(32<<20), cfg.Server.MaxBodyBytes)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero caps allowed", mutate: func(c *Config) { c.Catalog = CatalogConfig{} }},
		{name: "bad log format", mutate: func(c *Config) { c.Logger.Format = "xml" }, wantErr: true},
		{name: "negative original cap", mutate: func(c *Config) { c.Catalog.MaxOriginalValues = -1 }, wantErr: true},
		{name: "negative example cap", mutate: func(c *Config) { c.Catalog.MaxParamExamples = -1 }, wantErr: true},
		{name: "negative quarantine cap", mutate: func(c *Config) { c.Catalog.MaxQuarantined = -2 }, wantErr: true},
		{name: "negative workers", mutate: func(c *Config) { c.Worker.Count = -1 }, wantErr: true},
		{name: "sample rate above one", mutate: func(c *Config) { c.Telemetry.SampleRate = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
