package logger

import "testing"

func TestLogUsableBeforeInit(t *testing.T) {
	if Log == nil {
		t.Fatal("Log should never be nil")
	}
	// Logging before Init must not panic anywhere that imports the
	// package, tests included.
	Log.Infow("pre-init logging", "key", "value")
	Log.Infof("pre-init logging %d", 1)
	Sync()
}
