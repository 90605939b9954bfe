package client

import (
	"bufio"
	"io"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/protocol"
)

// LogRenderer reports the match as log lines: on every visible change and
// otherwise once every `every` frames.
type LogRenderer struct {
	log    *zap.Logger
	every  int
	frames int
	prev   Frame
}

func NewLogRenderer(log *zap.Logger, every int) *LogRenderer {
	if every <= 0 {
		every = 60
	}
	return &LogRenderer{log: log, every: every}
}

func (r *LogRenderer) Render(f Frame) {
	r.frames++
	changed := f.Conn != r.prev.Conn ||
		f.Liveness != r.prev.Liveness ||
		f.State.Scores != r.prev.State.Scores ||
		f.State.Phase != r.prev.State.Phase ||
		f.Notice != r.prev.Notice
	r.prev = f
	if !changed && r.frames%r.every != 0 {
		return
	}

	fields := []zap.Field{
		zap.String("conn", string(f.Conn)),
		zap.String("phase", string(f.State.Phase)),
		zap.Ints("scores", f.State.Scores[:]),
		zap.Int("side", f.Side),
		zap.Float64("paddle", f.Paddle),
		zap.Duration("rtt", f.RTT),
	}
	if f.Notice != "" {
		fields = append(fields, zap.String("notice", string(f.Notice)))
	}

	if f.Liveness != Alive {
		r.log.Warn("server not responding", append(fields, zap.Stringer("liveness", f.Liveness))...)
		return
	}
	r.log.Info("match", fields...)
}

// LineInput turns lines from a reader into a held direction: "w" or "up"
// moves up, "s" or "down" moves down, anything else stops.
type LineInput struct {
	dir atomic.Int32
}

func NewLineInput(r io.Reader) *LineInput {
	in := &LineInput{}
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			in.dir.Store(int32(parseDirection(sc.Text())))
		}
	}()
	return in
}

func (l *LineInput) Poll() protocol.Direction {
	return protocol.Direction(l.dir.Load())
}

func parseDirection(line string) protocol.Direction {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "w", "k", "up":
		return protocol.DirUp
	case "s", "j", "down":
		return protocol.DirDown
	}
	return protocol.DirNone
}
