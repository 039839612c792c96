// Команда sipclient регистрируется на SIP прокси и отправляет серию
// INVITE с SDP offer удаленному пиру, отвечая на входящие INVITE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/arzzra/sipoffer/pkg/offeranswer"
	"github.com/arzzra/sipoffer/pkg/sip/client"
	"github.com/arzzra/sipoffer/pkg/sip/message"
	"github.com/arzzra/sipoffer/pkg/sip/transaction"
	"github.com/arzzra/sipoffer/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/phsym/console-slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogformatter "github.com/samber/slog-formatter"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		proxyAddr   = flag.String("proxy", "sip:127.0.0.1:8472;transport=tcp", "SIP proxy URI")
		self        = flag.String("self", "sip:48392@lastbamboo.org", "Own identity")
		peer        = flag.String("peer", "", "Peer to send offers to, e.g. sip:42798@lastbamboo.org")
		offers      = flag.Int("offers", 100, "Number of INVITE offers to send")
		listenAddr  = flag.String("listen", "", "Address for inbound SIP connections")
		mediaHost   = flag.String("media-host", "127.0.0.1", "Local address for media sockets")
		metricsAddr = flag.String("metrics", "", "Address of Prometheus /metrics endpoint")
		nameServer  = flag.String("dns", "", "DNS server for SRV lookup (host:port)")
		timeout     = flag.Duration("timeout", transaction.DefaultTimeout, "Transaction timeout")
		keepAlive   = flag.Duration("keepalive", transport.DefaultKeepAliveInterval, "CRLF keep-alive interval, 0 disables")
		relay       = flag.Bool("relay", false, "Allow relay candidates for answerer sessions")
		hold        = flag.Bool("hold", false, "Stay registered after offers until interrupted")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slogformatter.NewFormatterHandler(
		slogformatter.ErrorFormatter("error"),
	)(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))
	slog.SetDefault(logger)

	if err := run(logger, options{
		proxy:       *proxyAddr,
		self:        *self,
		peer:        *peer,
		offers:      *offers,
		listenAddr:  *listenAddr,
		mediaHost:   *mediaHost,
		metricsAddr: *metricsAddr,
		nameServer:  *nameServer,
		timeout:     *timeout,
		keepAlive:   *keepAlive,
		relay:       *relay,
		hold:        *hold,
	}); err != nil {
		logger.Error("Завершение с ошибкой", slog.Any("error", err))
		os.Exit(1)
	}
}

type options struct {
	proxy, self, peer string
	offers            int
	listenAddr        string
	mediaHost         string
	metricsAddr       string
	nameServer        string
	timeout           time.Duration
	keepAlive         time.Duration
	relay             bool
	hold              bool
}

func run(logger *slog.Logger, opts options) error {
	cfg := client.DefaultConfig()
	var err error
	if cfg.Self, err = message.ParseURI(opts.self); err != nil {
		return err
	}
	if cfg.Proxy, err = message.ParseURI(opts.proxy); err != nil {
		return err
	}
	var peer sip.Uri
	if opts.peer != "" {
		if peer, err = message.ParseURI(opts.peer); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cfg.TransactionTimeout = opts.timeout
	cfg.KeepAlive = nil
	if opts.keepAlive > 0 {
		cfg.KeepAlive = transport.NewJitterDelay(opts.keepAlive)
	}
	cfg.ListenAddr = opts.listenAddr
	cfg.UseRelay = opts.relay
	cfg.Resolver = &transport.Resolver{NameServer: opts.nameServer, Logger: logger}
	cfg.Registerer = reg
	cfg.Logger = logger

	factory := offeranswer.NewDirectFactory(opts.mediaHost)
	factory.Logger = logger

	sockets := &mediaSockets{logger: logger}
	defer sockets.closeAll()
	c, err := client.New(cfg, factory, offeranswer.SocketListenerFuncs{
		Socket: sockets.add,
		Reconnect: func() {
			logger.Info("Регистрация восстановлена")
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Метрики доступны", slog.String("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := c.Connect(gctx); err != nil {
			return err
		}
		if err := c.Register(gctx); err != nil {
			return err
		}

		if opts.peer != "" && opts.offers > 0 {
			if err := sendOffers(gctx, logger, c, peer, opts.offers); err != nil {
				return err
			}
		}

		if opts.hold {
			<-gctx.Done()
		}
		stop()
		return nil
	})

	err = g.Wait()
	logger.Info("Клиент остановлен",
		slog.Int("sockets", sockets.count()),
		slog.Any("stats", c.Stats()))
	return err
}

func sendOffers(ctx context.Context, logger *slog.Logger, c *client.Client, peer sip.Uri, n int) error {
	desc := offeranswer.DefaultMediaStreamDesc()

	var succeeded, failed atomic.Int64
	listener := transaction.ListenerFuncs{
		Succeeded: func(*transaction.Transaction, *sip.Response) { succeeded.Add(1) },
		Failed: func(tx *transaction.Transaction, _ *sip.Response, err error) {
			failed.Add(1)
			logger.Warn("Offer не принят",
				slog.String("branch", tx.Branch()),
				slog.Any("error", err))
		},
	}

	started := time.Now()
	txs := make([]*transaction.Transaction, 0, n)
	for i := 0; i < n; i++ {
		tx, err := c.Offer(peer, nil, listener, desc)
		if err != nil {
			return fmt.Errorf("offer %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	for _, tx := range txs {
		if _, err := tx.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	logger.Info("Offers завершены",
		slog.Int("sent", n),
		slog.Int64("succeeded", succeeded.Load()),
		slog.Int64("failed", failed.Load()),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// mediaSockets держит согласованные сокеты до выхода. В каждый сокет
// сразу пишется приветствие, чтобы пир увидел живой канал.
type mediaSockets struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns []net.Conn
}

func (m *mediaSockets) add(id string, sock net.Conn) {
	m.logger.Info("Получен медиа сокет",
		slog.String("session", id),
		slog.String("local", sock.LocalAddr().String()),
		slog.String("remote", sock.RemoteAddr().String()))
	if _, err := sock.Write([]byte("hello " + id)); err != nil {
		m.logger.Warn("Не удалось записать в медиа сокет",
			slog.String("session", id),
			slog.Any("error", err))
	}

	m.mu.Lock()
	m.conns = append(m.conns, sock)
	m.mu.Unlock()
}

func (m *mediaSockets) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *mediaSockets) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sock := range m.conns {
		_ = sock.Close()
	}
	m.conns = nil
}
