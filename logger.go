package emqtt

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "emqtt.log"

// NewLogger builds the process logger: console encoding on stderr, debug level
// when debug is set, and an extra file output when logDir exists.
func NewLogger(debug bool, logDir string) (*zap.Logger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	outputs := []string{"stderr"}
	if logDir != "" {
		if info, err := os.Stat(logDir); err == nil && info.IsDir() {
			outputs = append(outputs, filepath.Join(logDir, logFileName))
		}
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       false,
		DisableStacktrace: !debug,
		Encoding:          "console",
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	return cfg.Build()
}
