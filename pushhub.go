// Pushhub pushes messages to browsers over server-sent events, long
// polling and websockets.
//
//	pushhub serve --addr=:8081
//	pushhub serve --config=pushhub.yaml
//	pushhub config show --toml
//
// A client negotiates a connection id, then connects to one or more
// topics. Every envelope it receives carries a cursor token; connecting
// again with that token resumes after the last message it got, on any
// transport.
//
//	curl localhost:8081/negotiate
//	curl -N 'localhost:8081/connect?transport=serverSentEvents&topic=news'
//	curl 'localhost:8081/poll?connectionId=ID&token=TOKEN'
//
// Publish by POSTing a JSON value to a topic. A body that is not JSON is
// published as a string.
//
//	curl localhost:8081/publish/news -d '{"headline":"hello"}'
//
// Connected clients send CRLF-delimited records to /send, or as websocket
// text frames:
//
//	{"topic":"news","data":{"headline":"hi"},"exclude_self":true}
//
// Topics must be valid UTF-8, 1-256 characters, and outside the reserved
// "conn." and "group." namespaces.
//
// Non-websocket GET requests for a topic are served HTML with an
// EventSource client subscribed to it.
//
//	http://localhost:8081/news
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Automattic/pushhub/internal/bus"
	"github.com/Automattic/pushhub/internal/bus/badger"
	"github.com/Automattic/pushhub/internal/bus/memory"
	"github.com/Automattic/pushhub/internal/config"
	"github.com/Automattic/pushhub/internal/cursor"
	"github.com/Automattic/pushhub/internal/heartbeat"
	"github.com/Automattic/pushhub/internal/metrics"
	"github.com/Automattic/pushhub/internal/ratelimit"
	"github.com/Automattic/pushhub/internal/transport"
)

// Stale per-client rate limiters are dropped after this long.
const limiterCleanup = time.Minute

// hub owns everything a running server shares between requests.
type hub struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	bus     *bus.Bus
	monitor *heartbeat.Monitor
	limiter *ratelimit.Limiter
	manager *transport.Manager
}

func newHub(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*hub, error) {
	store, err := openStore(cfg.Bus)
	if err != nil {
		return nil, err
	}
	signer, err := cursor.NewSigner([]byte(cfg.Transport.CursorKey))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create cursor signer: %w", err)
	}

	monitor := heartbeat.New(heartbeat.Config{
		Interval:          cfg.Heartbeat.Interval.Std(),
		DisconnectTimeout: cfg.Heartbeat.DisconnectTimeout.Std(),
		KeepAlive:         cfg.Heartbeat.KeepAlive.Std(),
	}, logger, m)
	limiter := ratelimit.New(cfg.RateLimit.Rate, cfg.RateLimit.Burst, limiterCleanup)
	b := bus.New(store, logger, m)

	opts := transport.Options{
		Signer:        signer,
		Monitor:       monitor,
		WriteTimeout:  cfg.Transport.WriteTimeout.Std(),
		ReadTimeout:   cfg.Heartbeat.DisconnectTimeout.Std(),
		LongPollDelay: cfg.Transport.LongPollDelay.Std(),
		MaxRecordSize: cfg.Transport.MaxRecordSize,
		OnDropped:     transport.ReportDropped(logger),
		Logger:        logger,
		Metrics:       m,
	}
	manager := transport.NewManager(transport.ManagerConfig{
		MaxBatch:        cfg.Transport.MaxBatch,
		LongPollTimeout: cfg.Transport.LongPollTimeout.Std(),
	}, opts, b, nil, limiter)

	return &hub{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		bus:     b,
		monitor: monitor,
		limiter: limiter,
		manager: manager,
	}, nil
}

func openStore(cfg config.BusConfig) (bus.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.Retention), nil
	case "badger":
		store, err := badger.New(badger.Config{Dir: cfg.BadgerDir, Retention: cfg.TTL.Std()})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger bus: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}

func (h *hub) start() {
	h.monitor.Start()
}

// shutdown asks every client to reconnect and waits for the transports
// until ctx ends. New connections are refused from here on.
func (h *hub) shutdown(ctx context.Context) error {
	err := h.manager.Shutdown(ctx)
	h.monitor.Stop()
	return err
}

func (h *hub) close() error {
	h.limiter.Stop()
	if err := h.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
		return err
	}
	return nil
}

// newLogger builds the process logger the way the config asks for it.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
