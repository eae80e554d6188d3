package observability

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	z zerolog.Logger
}

// NewZerolog builds a timestamped zerolog-backed logger writing to w at the
// given minimum level. Unrecognized or empty levels fall back to info.
func NewZerolog(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZerologLogger{z: z}
}

func (l *ZerologLogger) Debug(msg string, fields ...Field) { l.emit(l.z.Debug(), msg, fields) }

func (l *ZerologLogger) Info(msg string, fields ...Field) { l.emit(l.z.Info(), msg, fields) }

func (l *ZerologLogger) Warn(msg string, fields ...Field) { l.emit(l.z.Warn(), msg, fields) }

func (l *ZerologLogger) Error(msg string, fields ...Field) { l.emit(l.z.Error(), msg, fields) }

func (l *ZerologLogger) emit(ev *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}
