package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger that writes JSON to the given log file path and
// mirrors to stderr. Profile name and PID are included as initial fields.
func New(logPath, profileName string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zapcore.InfoLevel)
	stderrCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), zapcore.InfoLevel)

	logger := zap.New(zapcore.NewTee(fileCore, stderrCore),
		zap.Fields(
			zap.String("profile", profileName),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
