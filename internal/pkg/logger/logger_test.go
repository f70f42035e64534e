package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	appCtx "telepost/internal/pkg/context"
)

func swapLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := Logger
	Logger = zerolog.New(&buf)
	t.Cleanup(func() { Logger = orig })
	return &buf
}

func TestWithCtxCarriesRequestID(t *testing.T) {
	buf := swapLogger(t)

	ctx := appCtx.WithRequestID(context.Background(), "req-123")
	WithCtx(ctx).Info().Msg("привет")

	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
	assert.Contains(t, buf.String(), "привет")
}

func TestWithCtxWithoutRequestID(t *testing.T) {
	buf := swapLogger(t)

	WithCtx(context.Background()).Warn().Msg("plain")

	out := buf.String()
	assert.Contains(t, out, "plain")
	assert.NotContains(t, out, "request_id")
}
