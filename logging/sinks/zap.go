package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"stardrift/server/logging"
)

// Zap routes events through a zap logger backed by a size-rotated file.
type Zap struct {
	logger *zap.Logger
}

// NewZap constructs a zap sink with lumberjack rotation at cfg.FilePath.
func NewZap(cfg logging.ZapConfig) *Zap {
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "level",
		MessageKey:  "msg",
		LineEnding:  zapcore.DefaultLineEnding,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeTime:  zapcore.ISO8601TimeEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), zapcore.DebugLevel)
	return &Zap{logger: zap.New(core)}
}

// Write satisfies logging.Sink.
func (s *Zap) Write(event logging.Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	fields := []zap.Field{
		zap.Uint64("tick", event.Tick),
		zap.String("subject", string(event.Subject.Kind)+":"+event.Subject.ID),
		zap.String("category", event.Category),
	}
	if event.Payload != nil {
		fields = append(fields, zap.Any("payload", event.Payload))
	}
	for k, v := range event.Extra {
		fields = append(fields, zap.Any(k, v))
	}
	msg := string(event.Type)
	switch event.Severity {
	case logging.SeverityDebug:
		s.logger.Debug(msg, fields...)
	case logging.SeverityWarn:
		s.logger.Warn(msg, fields...)
	case logging.SeverityError:
		s.logger.Error(msg, fields...)
	default:
		s.logger.Info(msg, fields...)
	}
	return nil
}

// Close flushes zap's buffers.
func (s *Zap) Close(context.Context) error {
	if s == nil || s.logger == nil {
		return nil
	}
	return s.logger.Sync()
}
