package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name:   "valid json config",
			config: config.LoggerConfig{Level: "debug", Format: "json"},
		},
		{
			name:   "valid console config",
			config: config.LoggerConfig{Level: "info", Format: "console"},
		},
		{
			name:    "invalid level",
			config:  config.LoggerConfig{Level: "invalid", Format: "json"},
			wantErr: true,
		},
		{
			name:   "empty config uses defaults",
			config: config.LoggerConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestStartFinishOperation(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ctx, span := logger.StartOperation(context.Background(), "catalog.finalize", "app", "com.example")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)

	logger.FinishOperation(ctx, span, "catalog.finalize", time.Now(), nil)
}

func TestDomainHelpers(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ctx := context.Background()
	scoped := logger.WithComponent("consolidator").WithApp("com.example")
	require.NotNil(t, scoped)

	scoped.LogEvidenceRejected(ctx, "quarantined", "static", "not a url", errors.New("missing scheme"))
	scoped.LogCatalogSummary(ctx, "com.example", 3, 1, 2, map[string]int{"LOW": 3})
	scoped.LogHTTPRequest(ctx, "POST", "/api/v1/apps/x/evidence", 202, time.Millisecond)
	scoped.LogDatabaseOperation(ctx, "insert", "catalog_snapshots", 1, time.Millisecond)
	scoped.LogError(ctx, errors.New("boom"), "test")
	scoped.LogError(ctx, nil, "ignored")
}

func TestWithContextWithoutSpan(t *testing.T) {
	logger := NewNop()
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestLoggerConcurrency(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(id int) {
			logger.Infow("concurrent log", "goroutine", id)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
