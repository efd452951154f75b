package main

import (
	"fmt"
	"strings"

	"pagepilot-mcp-server/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger. In stdio mode stdout carries the MCP
// protocol, so logs go to the configured file and never to stdout; with no file
// set they go to stderr.
func newLogger(cfg config.ServerConfig, stdio bool) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.LogLevel))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	out := "stderr"
	if cfg.LogFile != "" && stdio {
		out = cfg.LogFile
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", cfg.Name)), nil
}
