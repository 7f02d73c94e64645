// Package registry owns the set of live streams: it constructs each
// stream's publisher, recovery server, recovery log and recovery buffer,
// routes Send calls to the right publisher, and supervises restart with
// capped exponential backoff when a stream's publisher stops after a fatal
// log error.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
	"github.com/alxayo/moldpublisher/internal/mold/metrics"
	"github.com/alxayo/moldpublisher/internal/mold/publisher"
	"github.com/alxayo/moldpublisher/internal/mold/recoverybuf"
	"github.com/alxayo/moldpublisher/internal/mold/recoverylog"
	"github.com/alxayo/moldpublisher/internal/mold/recoveryserver"
	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

// StreamConfig holds everything needed to construct one stream's publisher
// and recovery server.
type StreamConfig struct {
	Name string

	GroupAddr       *net.UDPAddr
	RecoveryAddr    *net.UDPAddr
	SourceInterface *net.Interface
	SourceIP        net.IP
	TTL             int
	Loopback        bool

	LogPath                 string
	MTU                     int
	HeartbeatInterval       time.Duration
	CoalesceCountLimit      int
	CoalesceIdle            time.Duration
	RecoveryBufferCapacity  int
	RecoveryRateLimitPerSec float64
	RecoveryRateLimitBurst  int

	// ReconnectDelay and MaxReconnectDelay bound the supervisor's capped
	// exponential backoff between restart attempts after a fatal error.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 500 * time.Millisecond
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Handle is the registry's reference to one running stream. Its pub/rs/log/buf
// fields are swapped out wholesale by the supervisor on restart; Send and the
// metrics gauge callbacks read them under mu so they always observe the
// current generation.
type Handle struct {
	name string
	cfg  StreamConfig

	mu  sync.RWMutex
	pub *publisher.Publisher
	rs  *recoveryserver.Server
	log *recoverylog.Log
	buf *recoverybuf.Buffer

	metrics *metrics.StreamMetrics
	logger  *slog.Logger

	stopCh chan struct{}
	done   chan struct{}
}

// Send routes payload to the stream's current publisher generation.
func (h *Handle) Send(ctx context.Context, payload []byte) error {
	h.mu.RLock()
	pub := h.pub
	h.mu.RUnlock()
	if pub == nil {
		return moldErrors.NewStreamNotFound(h.name)
	}
	return pub.Send(ctx, payload)
}

// Log returns the current generation's recovery log, or nil if the stream
// has no live generation (e.g. the supervisor is between restart attempts).
// Intended for the archive sidecar, which must fetch the log fresh on every
// run rather than caching it across a supervisor restart.
func (h *Handle) Log() *recoverylog.Log {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.log
}

func (h *Handle) setGeneration(pub *publisher.Publisher, rs *recoveryserver.Server, log *recoverylog.Log, buf *recoverybuf.Buffer) {
	h.mu.Lock()
	h.pub, h.rs, h.log, h.buf = pub, rs, log, buf
	h.mu.Unlock()
}

func (h *Handle) currentGeneration() (*publisher.Publisher, *recoveryserver.Server, *recoverylog.Log, *recoverybuf.Buffer) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pub, h.rs, h.log, h.buf
}

// Registry tracks every live stream by name.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Handle

	metricsCollector *metrics.Collector
	logger           *slog.Logger
}

// New constructs an empty Registry. metricsCollector may be nil if metrics
// are not being exposed.
func New(metricsCollector *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams:          make(map[string]*Handle),
		metricsCollector: metricsCollector,
		logger:           logger,
	}
}

// CreateStream registers and starts a new stream. Duplicate names fail with
// StreamAlreadyExists.
func (r *Registry) CreateStream(cfg StreamConfig) (*Handle, error) {
	cfg.applyDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("registry.CreateStream: Name is required")
	}

	r.mu.Lock()
	if _, exists := r.streams[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, moldErrors.NewStreamAlreadyExists(cfg.Name)
	}
	h := &Handle{
		name:   cfg.Name,
		cfg:    cfg,
		logger: r.logger.With("stream", cfg.Name),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.streams[cfg.Name] = h
	r.mu.Unlock()

	if r.metricsCollector != nil {
		h.metrics = r.metricsCollector.Register(cfg.Name, metrics.GaugeSource{
			BufferOccupancy: func() int {
				_, _, _, buf := h.currentGeneration()
				if buf == nil {
					return 0
				}
				return buf.Len()
			},
			LogSize: func() int64 {
				_, _, log, _ := h.currentGeneration()
				if log == nil {
					return 0
				}
				return log.Size()
			},
			LastSequence: func() uint64 {
				pub, _, _, _ := h.currentGeneration()
				if pub == nil {
					return 0
				}
				n := pub.NextSeq()
				if n == 0 {
					return 0
				}
				return n - 1
			},
		})
	}

	go r.supervise(h)
	return h, nil
}

// Send routes payload to the named stream's publisher.
func (r *Registry) Send(ctx context.Context, name string, payload []byte) error {
	r.mu.RLock()
	h, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return moldErrors.NewStreamNotFound(name)
	}
	return h.Send(ctx, payload)
}

// Teardown stops the named stream: the publisher flushes and sends
// end-of-session, the recovery server socket is closed, and the log is
// closed. It blocks until shutdown completes.
func (r *Registry) Teardown(ctx context.Context, name string) error {
	r.mu.Lock()
	h, ok := r.streams[name]
	if ok {
		delete(r.streams, name)
	}
	r.mu.Unlock()
	if !ok {
		return moldErrors.NewStreamNotFound(name)
	}

	close(h.stopCh)
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.metricsCollector != nil {
		r.metricsCollector.Unregister(name)
	}
	return nil
}

// supervise owns one stream's full lifecycle: build publisher + recovery
// server generation, run until a fatal publisher error or a stop request,
// and on fatal error restart with capped exponential backoff. Log replay on
// each (re)open recovers nextSeq, so a restart never loses or repeats
// sequence numbers.
func (r *Registry) supervise(h *Handle) {
	defer close(h.done)
	delay := h.cfg.ReconnectDelay

	for {
		select {
		case <-h.stopCh:
			return
		default:
		}

		log, rs, pub, fatalCh, err := r.startGeneration(h)
		if err != nil {
			h.logger.Error("stream failed to start, retrying", "err", err, "retry_in", delay)
			if !h.sleepOrStop(delay) {
				return
			}
			delay = nextBackoff(delay, h.cfg.MaxReconnectDelay)
			continue
		}

		// Reset backoff once a generation starts cleanly.
		delay = h.cfg.ReconnectDelay
		_, _, _, buf := h.currentGeneration()
		h.setGeneration(pub, rs, log, buf)

		select {
		case <-h.stopCh:
			_ = pub.Teardown(context.Background())
			_ = rs.Close()
			_ = log.Close()
			return
		case err := <-fatalCh:
			h.logger.Error("stream restarting after fatal error", "err", err, "retry_in", delay)
			h.setGeneration(nil, nil, nil, nil)
			_ = rs.Close()
			_ = log.Close()
			if !h.sleepOrStop(delay) {
				return
			}
			delay = nextBackoff(delay, h.cfg.MaxReconnectDelay)
		}
	}
}

func (h *Handle) sleepOrStop(delay time.Duration) bool {
	select {
	case <-h.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

func nextBackoff(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

// startGeneration opens a fresh log (replaying it to recover nextSeq),
// allocates a fresh recovery buffer, and constructs a new publisher and
// recovery server bound to them.
func (r *Registry) startGeneration(h *Handle) (*recoverylog.Log, *recoveryserver.Server, *publisher.Publisher, chan error, error) {
	cfg := h.cfg

	log, err := recoverylog.Open(cfg.LogPath, h.logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	buf := recoverybuf.New(cfg.RecoveryBufferCapacity)
	h.mu.Lock()
	h.buf = buf
	h.mu.Unlock()

	fatalCh := make(chan error, 1)
	pub, err := publisher.New(publisher.Config{
		GroupAddr:          cfg.GroupAddr,
		SourceInterface:    cfg.SourceInterface,
		SourceIP:           cfg.SourceIP,
		TTL:                cfg.TTL,
		Loopback:           cfg.Loopback,
		MTU:                cfg.MTU,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		CoalesceCountLimit: cfg.CoalesceCountLimit,
		CoalesceIdle:       cfg.CoalesceIdle,
	}, cfg.Name, log, buf, h.metrics, h.logger, func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	if err != nil {
		_ = log.Close()
		return nil, nil, nil, nil, err
	}

	rs, err := recoveryserver.New(recoveryserver.Config{
		ListenAddr:      cfg.RecoveryAddr,
		MTU:             cfg.MTU,
		RateLimitPerSec: cfg.RecoveryRateLimitPerSec,
		RateLimitBurst:  cfg.RecoveryRateLimitBurst,
	}, recoveryserver.Source{
		Name: wire.NewStreamName(cfg.Name),
		Buf:  buf,
		Log:  log,
	}, h.metrics, h.logger)
	if err != nil {
		_ = pub.Teardown(context.Background())
		_ = log.Close()
		return nil, nil, nil, nil, err
	}

	return log, rs, pub, fatalCh, nil
}
