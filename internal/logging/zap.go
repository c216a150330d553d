package logging

import "go.uber.org/zap"

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface. It is the
// production implementation wired by cmd/agentd; other_examples' Bland
// calling client leans on zap the same way for this domain (outbound
// telephony orchestration), so we follow that lead here.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a production zap logger (JSON encoding, ISO8601
// timestamps) wrapped as a Logger.
func NewZapLogger() (*ZapLogger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: z.Sugar()}, nil
}

// NewZapLoggerFrom wraps an existing *zap.Logger.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: z.Sugar()}
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// Sync flushes buffered log entries. Call on shutdown.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}
