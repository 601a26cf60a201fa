package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestForSocketTagsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ForSocket(zap.New(core), "abc123").Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "abc123", logs.All()[0].ContextMap()["socket_id"])
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	attached := zap.New(core)

	FromContext(WithLogger(context.Background(), attached)).Info("attached")
	assert.Equal(t, 1, logs.Len())

	// without an attached logger and before Init there is nothing to write to
	assert.NotNil(t, FromContext(context.Background()))
}

func TestUpdateLevel(t *testing.T) {
	assert.Error(t, UpdateLevel("debug"), "not initialized yet")

	require.NoError(t, Init(WithLevel("info"), WithFile(filepath.Join(t.TempDir(), "relay.log"))))
	t.Cleanup(func() { _ = Shutdown() })

	require.NoError(t, UpdateLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, Level())
	assert.Error(t, UpdateLevel("chatty"))
	assert.Equal(t, zapcore.WarnLevel, Level())
}
