package client

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/transaction"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
)

// Config конфигурация SIP клиента
type Config struct {
	// Self собственная идентичность клиента, например sip:48392@lastbamboo.org
	Self sip.Uri

	// Proxy адрес прокси, например sip:127.0.0.1:8472;transport=tcp
	Proxy sip.Uri

	UserAgent string

	// RegisterExpires запрашиваемое время жизни регистрации
	RegisterExpires time.Duration

	// TransactionTimeout время ожидания финального ответа
	TransactionTimeout time.Duration

	// KeepAlive интервал CRLF keep-alive к прокси, nil отключает
	KeepAlive transport.DelayCalculator

	// DialTimeout таймаут установления TCP соединения
	DialTimeout time.Duration

	// ListenAddr адрес для входящих соединений от ранее неизвестных
	// пиров, пустая строка отключает
	ListenAddr string

	// UseRelay передается фабрике при создании answerer
	UseRelay bool

	// Reconnect включает автоматическое восстановление после потери
	// соединения с зарегистрированным клиентом
	Reconnect            bool
	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxElapsed  time.Duration

	// Resolver находит адреса прокси, nil означает системный DNS
	Resolver *transport.Resolver

	// Registry индекс зарегистрированных клиентов процесса, может быть nil
	Registry *Registry

	// Registerer регистрирует Prometheus метрики клиента, nil отключает
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию без идентичностей
func DefaultConfig() Config {
	return Config{
		UserAgent:            "sipoffer/1.0",
		RegisterExpires:      time.Hour,
		TransactionTimeout:   transaction.DefaultTimeout,
		KeepAlive:            transport.NewJitterDelay(transport.DefaultKeepAliveInterval),
		DialTimeout:          10 * time.Second,
		Reconnect:            true,
		ReconnectInitial:     500 * time.Millisecond,
		ReconnectMaxInterval: 30 * time.Second,
		ReconnectMaxElapsed:  10 * time.Minute,
		Logger:               slog.Default(),
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	var errs []error
	if c.Self.Host == "" || c.Self.User == "" {
		errs = append(errs, fmt.Errorf("self identity must have user and host, got %q", c.Self.String()))
	}
	if c.Proxy.Host == "" {
		errs = append(errs, errors.New("proxy host is required"))
	}
	if t := message.TransportParam(c.Proxy); t != "tcp" {
		errs = append(errs, fmt.Errorf("unsupported proxy transport %q", t))
	}
	if c.TransactionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("transaction timeout must be positive, got %s", c.TransactionTimeout))
	}
	if c.RegisterExpires < time.Second {
		errs = append(errs, fmt.Errorf("register expires too small: %s", c.RegisterExpires))
	}
	return errors.Join(errs...)
}
