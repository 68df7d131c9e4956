// Package logging builds the console logger shared by the daemon, agent,
// and client programs.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the minimum level that will be logged.
	Level zapcore.Level `yaml:"level"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// Init builds a SugaredLogger that writes to stderr, colorizing level names
// when stderr is a terminal.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), zapCfg.Level, nil
}

// InitFile behaves like Init but additionally redirects the process's own
// stderr fd to path, matching the daemon's "…/qrexec.<domid>.log" contract.
func InitFile(cfg Config, path string) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to open log file %q: %w", path, err)
	}

	if err := dup2Stderr(f); err != nil {
		f.Close()
		return nil, zap.AtomicLevel{}, err
	}

	return Init(cfg)
}
