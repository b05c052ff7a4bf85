package trace

import (
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

type zapTracer struct {
	logger *zap.Logger
}

// NewZapTracer routes trace output to logger at debug level.
func NewZapTracer(logger *zap.Logger) Tracer {
	if logger == nil {
		return NilTracer()
	}
	return &zapTracer{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (t *zapTracer) Close() error {
	// zap returns an error syncing stdout/stderr on some platforms; callers only
	// care that buffered entries were flushed.
	_ = t.logger.Sync()
	return nil
}

func (t *zapTracer) Print(vs ...interface{}) {
	t.logger.Debug(fmt.Sprint(vs...))
}

func (t *zapTracer) Printf(f string, s ...interface{}) {
	t.logger.Debug(fmt.Sprintf(f, s...))
}

func (t *zapTracer) LogPacket(s string, p []byte) {
	if ce := t.logger.Check(zap.DebugLevel, s); ce != nil {
		ce.Write(zap.Int("size", len(p)), zap.String("dump", hex.Dump(p)))
	}
}
