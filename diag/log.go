package diag

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Log returns the package-wide logger, building a production zap.Logger
// (JSON encoding, info level) on first use. Every package under this
// module logs through here rather than constructing its own logger, so
// a caller can swap the global in tests with ReplaceLogger.
func Log() *zap.Logger {
	once.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// ReplaceLogger installs l as the package-wide logger, returning a
// function that restores the previous one. Intended for tests that want
// to capture or silence log output (github.com/stretchr/testify-style
// table tests construct an observer core and call this once per case).
func ReplaceLogger(l *zap.Logger) (restore func()) {
	once.Do(func() {}) // ensure Log()'s lazy init never clobbers a test logger
	prev := logger
	logger = l
	return func() { logger = prev }
}

// Init logs a one-line zone-init summary, called by the guard engine's
// ZoneInit once for every zone it is given.
func Init(zoneName string, elementSize int, tracked bool) {
	Log().Info("zone init",
		zap.String("zone", zoneName),
		zap.Int("element_size", elementSize),
		zap.Bool("tracked", tracked),
	)
}

// Evict logs a free-cache eviction, called by the guard engine's Free
// whenever it releases a range back to the arena. Ranges released by
// EmptyFreeCache are not logged.
func Evict(zoneName string, addr uintptr, reason string) {
	Log().Debug("free cache evict",
		zap.String("zone", zoneName),
		zap.Uintptr("addr", addr),
		zap.String("reason", reason),
	)
}
