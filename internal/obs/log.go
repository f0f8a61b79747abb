// Package obs holds the shared logger and delivery metrics.
package obs

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

// Logger returns the shared production logger, constructed on first use.
// Components accept a *zap.Logger explicitly; this is only the default for
// process-wide controllers.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}
