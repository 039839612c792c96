package transport

import (
	"fmt"
	"log/slog"
	"time"
)

// DSCPSignaling CS3, класс сигнального трафика (RFC 4594)
const DSCPSignaling = 24

// Config конфигурация TCP транспорта
type Config struct {
	// DialTimeout таймаут установления соединения
	DialTimeout time.Duration

	// WriteTimeout дедлайн записи одного сообщения, 0 отключает
	WriteTimeout time.Duration

	// SendQueueSize размер очереди исходящих сообщений соединения
	SendQueueSize int

	// MaxMessageSize предельный размер входящего сообщения
	MaxMessageSize int

	// KeepAlive вычисляет интервал CRLF keep-alive, nil отключает
	KeepAlive DelayCalculator

	// DSCP метка трафика для исходящих соединений, 0 не меняет
	DSCP int

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendQueueSize:  256,
		MaxMessageSize: 64 * 1024,
		KeepAlive:      FixedDelay(DefaultKeepAliveInterval),
		DSCP:           DSCPSignaling,
		Logger:         slog.Default(),
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp out of range: %d", c.DSCP)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}
