// Package logger строит zap логгеры сервера.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config параметры логирования
type Config struct {
	// Level уровень: debug, info, warn, error
	Level string `yaml:"level"`
	// Format json или console
	Format string `yaml:"format"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// Validate проверяет уровень и формат
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("неверный уровень логирования %q: %w", c.Level, err)
	}
	switch strings.ToLower(c.Format) {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("неверный формат логирования: %q", c.Format)
	}
}

// New создает логгер по конфигурации
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("создание логгера: %w", err)
	}
	return log, nil
}

// NewNop возвращает логгер, который ничего не пишет
func NewNop() *zap.Logger {
	return zap.NewNop()
}
