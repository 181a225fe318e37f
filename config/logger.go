package config

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a file-backed zap logger under dataDir. Logging to a file
// rather than stderr keeps the terminal UI clean. SCRIBE_DEBUG=1 lowers the
// level to debug; otherwise only info and above is recorded.
func NewLogger(dataDir string) (*zap.Logger, error) {
	logPath := filepath.Join(ExpandPath(dataDir), "scribe.log")

	// 0600: logs can quote conversation content.
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if debug := os.Getenv("SCRIBE_DEBUG"); debug == "1" || debug == "true" {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(f),
		level,
	)

	return zap.New(core, zap.AddCaller()), nil
}
