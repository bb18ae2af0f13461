package settings

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger. Debug uses the development config on stdout.
func NewLogger(config *Arguments) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if config.Debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		z := zap.NewProductionConfig()
		if config.Verbose {
			z.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		logger, err = z.Build()
	}

	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}
