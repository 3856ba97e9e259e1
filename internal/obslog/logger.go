// Copyright 2025 James Ross
// Package obslog builds the structured logger shared by the
// coordinator, backlog, and cmd packages: a zap logger with an added
// optional file-rotation sink (lumberjack, a direct dependency of this
// module) for hosts that run the notification adapter as a long-lived
// process instead of a pure function invocation.
package obslog

import (
	"os"
	"strings"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger.
type Options struct {
	Level      string
	JSON       bool
	RotateFile string // empty disables file rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a *zap.Logger per Options.
func New(opts Options) (*zap.Logger, error) {
	lvl := parseLevel(opts.Level)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl)}
	if opts.RotateFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.RotateFile,
			MaxSize:    maxOr(opts.MaxSizeMB, 100),
			MaxBackups: maxOr(opts.MaxBackups, 5),
			MaxAge:     maxOr(opts.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), lvl))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func maxOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Convenience typed fields, mirroring common zap field helpers.
func String(k, v string) zap.Field  { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Err(err error) zap.Field       { return zap.Error(err) }
