package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betcha/internal/config"
)

func TestRunRejectsUnknownModeBeforeWiring(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "scrape"
	// Unreachable stores would fail Wire; an unknown mode must fail first.
	cfg.Postgres.DSN = "postgres://nobody@127.0.0.1:1/none"

	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "scrape"`)
	a.Close()
}

func TestModesCoverConfiguredValues(t *testing.T) {
	for _, m := range []string{"server", "archive", "full"} {
		cfg := config.Defaults()
		cfg.Mode = m
		if err := cfg.Validate(); err != nil {
			assert.NotContains(t, err.Error(), "unknown mode", m)
		}
		assert.Contains(t, modes, m)
	}
}
