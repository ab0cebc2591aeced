package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/logger"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter("info", &buf, false)
	require.NoError(t, err)

	log.Named("session").Info("connected", zap.String("identity", "alice"))
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "session")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, `{"identity": "alice"}`)
	assert.NotContains(t, out, "hidden")
}

func TestNewWithWriter_InvalidLevel(t *testing.T) {
	_, err := logger.NewWithWriter("loud", &bytes.Buffer{}, false)

	assert.Error(t, err)
}
