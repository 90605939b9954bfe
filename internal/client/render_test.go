package client

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DoyleJ11/pong-sync/internal/protocol"
)

func TestLogRenderer_LogsChangesAndPeriodically(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := NewLogRenderer(zap.New(core), 10)

	f := Frame{Conn: StatePlaying, State: protocol.State{Phase: protocol.PhasePlaying}}
	r.Render(f) // change
	for i := 0; i < 8; i++ {
		r.Render(f)
	}
	assert.Equal(t, 1, logs.Len())

	r.Render(f) // 10th frame
	assert.Equal(t, 2, logs.Len())

	f.Liveness = Warning
	r.Render(f)
	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[2].Level)
}

func TestLineInput(t *testing.T) {
	in := NewLineInput(strings.NewReader("w\nDOWN\n"))
	require.Eventually(t, func() bool { return in.Poll() == protocol.DirDown }, time.Second, time.Millisecond)

	assert.Equal(t, protocol.DirUp, parseDirection(" k "))
	assert.Equal(t, protocol.DirNone, parseDirection(""))
}
