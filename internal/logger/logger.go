package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a new zap.Logger instance based on the provided configuration.
// The returned AtomicLevel can be used to change verbosity at runtime.
func NewLogger(level string, format string) (*zap.Logger, zap.AtomicLevel, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	atom := zap.NewAtomicLevelAt(logLevel)
	cfg.Level = atom
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return log, atom, nil
}

// SetLevel applies a textual level to atom, ignoring unknown values.
func SetLevel(atom zap.AtomicLevel, level string) bool {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return false
	}
	atom.SetLevel(lvl)
	return true
}
