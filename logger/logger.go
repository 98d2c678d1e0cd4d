package logger

import (
	"go.uber.org/zap"
)

// Log starts as a no-op logger so call sites never trip over a nil
// global; Init swaps in the real production logger.
var Log = zap.NewNop().Sugar()

func Init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize zap logger: " + err.Error())
	}
	Log = logger.Sugar()
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() {
	_ = Log.Sync()
}
