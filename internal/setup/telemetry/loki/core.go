package loki

import (
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap/zapcore"
)

// Core is a zapcore.Core that queues entries on a Pusher as JSON lines.
type Core struct {
	zapcore.LevelEnabler
	pusher *Pusher
	fields []zapcore.Field
}

// NewCore creates a Core feeding pusher.
func NewCore(enab zapcore.LevelEnabler, pusher *Pusher) *Core {
	return &Core{LevelEnabler: enab, pusher: pusher}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(clone.fields[:len(clone.fields):len(clone.fields)], fields...)

	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	rec := record{
		Level:   ent.Level.String(),
		Time:    ent.Time.UTC().Format(time.RFC3339Nano),
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Stack:   ent.Stack,
	}

	if ent.Caller.Defined {
		rec.Caller = ent.Caller.TrimmedPath()
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(enc)
	}

	for _, field := range fields {
		field.AddTo(enc)
	}

	if len(enc.Fields) > 0 {
		rec.Fields = enc.Fields
	}

	raw, err := sonic.MarshalString(rec)
	if err != nil {
		return err
	}

	c.pusher.add(ent.Time, raw)

	return nil
}

// Sync is a no-op; the pusher flushes on its own schedule and on Stop.
func (c *Core) Sync() error {
	return nil
}
