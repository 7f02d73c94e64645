// Package publisher implements the per-stream MoldUDP64 publisher actor: a
// single goroutine owning sequencing, MTU-bounded packet assembly,
// coalescing, heartbeats, the recovery log append and the recovery buffer
// insert, and the multicast send. Producers submit through a buffered
// mailbox channel so concurrent callers are serialised automatically.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
	"github.com/alxayo/moldpublisher/internal/mold/metrics"
	"github.com/alxayo/moldpublisher/internal/mold/recoverybuf"
	"github.com/alxayo/moldpublisher/internal/mold/recoverylog"
	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

// Config holds the knobs needed to construct a Publisher for one stream.
type Config struct {
	Name string

	GroupAddr       *net.UDPAddr
	SourceInterface *net.Interface
	SourceIP        net.IP
	TTL             int
	Loopback        bool

	MTU                int
	HeartbeatInterval  time.Duration
	CoalesceCountLimit int
	CoalesceIdle       time.Duration
	MailboxSize        int
}

// applyDefaults fills zero-value knobs with the documented defaults.
func (c *Config) applyDefaults() {
	if c.MTU == 0 {
		c.MTU = 1400
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.CoalesceCountLimit == 0 {
		c.CoalesceCountLimit = 64
	}
	if c.CoalesceIdle == 0 {
		c.CoalesceIdle = time.Millisecond
	}
	if c.TTL == 0 {
		c.TTL = 1
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 1024
	}
}

// submission is a single producer request routed through the mailbox.
type submission struct {
	payload []byte
	resp    chan error
}

// Publisher is a single-stream actor. All mutable state below is touched
// only by the run goroutine; Send and Teardown only ever communicate with it
// over channels.
type Publisher struct {
	name wire.StreamName
	cfg  Config

	log  *recoverylog.Log
	buf  *recoverybuf.Buffer
	conn *net.UDPConn
	pc   *ipv4.PacketConn

	metrics *metrics.StreamMetrics
	logger  *slog.Logger
	onFatal func(error)

	mailbox    chan submission
	teardownCh chan chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	nextSeq     uint64
	pending     []wire.EncodedMessage
	pendingSize int

	heartbeatTimer *time.Timer
	idleTimer      *time.Timer
}

// New constructs and starts a Publisher for the given stream. log and buf
// must already be opened/sized for this stream; New reads log.LastWritten()
// to resume sequencing after a restart. onFatal is invoked from the actor's
// own goroutine if a LogIoError forces it to stop; the registry's supervisor
// uses this hook to schedule a restart.
func New(cfg Config, name string, log *recoverylog.Log, buf *recoverybuf.Buffer, sm *metrics.StreamMetrics, logger *slog.Logger, onFatal func(error)) (*Publisher, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GroupAddr == nil {
		return nil, fmt.Errorf("publisher.New: GroupAddr is required")
	}

	// laddr only needs constructing when the operator pinned a source IP; a
	// nil laddr lets the kernel pick the outgoing address as before.
	var laddr *net.UDPAddr
	if cfg.SourceIP != nil {
		laddr = &net.UDPAddr{IP: cfg.SourceIP}
	}
	conn, err := net.DialUDP("udp4", laddr, cfg.GroupAddr)
	if err != nil {
		return nil, fmt.Errorf("publisher.New: dial multicast group: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(cfg.TTL); err != nil {
		logger.Warn("publisher: set multicast TTL failed", "stream", name, "err", err)
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		logger.Warn("publisher: set multicast loopback failed", "stream", name, "err", err)
	}
	if cfg.SourceInterface != nil {
		if err := pc.SetMulticastInterface(cfg.SourceInterface); err != nil {
			logger.Warn("publisher: set multicast interface failed", "stream", name, "err", err)
		}
	}

	p := &Publisher{
		name:           wire.NewStreamName(name),
		cfg:            cfg,
		log:            log,
		buf:            buf,
		conn:           conn,
		pc:             pc,
		metrics:        sm,
		logger:         logger,
		onFatal:        onFatal,
		mailbox:        make(chan submission, cfg.MailboxSize),
		teardownCh:     make(chan chan struct{}),
		closed:         make(chan struct{}),
		nextSeq:        log.LastWritten() + 1,
		heartbeatTimer: time.NewTimer(cfg.HeartbeatInterval),
	}
	go p.run()
	return p, nil
}

// Send enqueues payload for transmission. It returns once the message has
// been encoded and either appended to the pending batch or (if it would
// overflow the MTU) has triggered a flush of the prior batch. ctx cancels
// only the wait to be accepted into the mailbox; once accepted, submission
// is not cancellable.
func (p *Publisher) Send(ctx context.Context, payload []byte) error {
	resp := make(chan error, 1)
	sub := submission{payload: payload, resp: resp}

	select {
	case p.mailbox <- sub:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return moldErrors.NewStreamNotFound(p.name.String())
	}

	select {
	case err := <-resp:
		return err
	case <-p.closed:
		return moldErrors.NewStreamNotFound(p.name.String())
	}
}

// Teardown flushes any pending batch, multicasts an end-of-session packet,
// and stops the actor. It blocks until the actor has exited or ctx is done.
func (p *Publisher) Teardown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.teardownCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextSeq returns the next sequence number that would be assigned; useful
// for metrics gauges and tests.
func (p *Publisher) NextSeq() uint64 {
	// Read without synchronisation is acceptable here: callers only use this
	// for best-effort gauges, and the actor goroutine is the sole writer.
	return p.nextSeq
}

func (p *Publisher) run() {
	defer p.closeSockets()
	defer p.heartbeatTimer.Stop()

	for {
		var idleC <-chan time.Time
		if p.idleTimer != nil {
			idleC = p.idleTimer.C
		}

		select {
		case sub := <-p.mailbox:
			if err := p.handleSubmission(sub); err != nil {
				p.fail(err)
				return
			}
			p.syncIdleTimer()

		case <-idleC:
			p.idleTimer = nil
			if err := p.flush(); err != nil {
				p.fail(err)
				return
			}

		case <-p.heartbeatTimer.C:
			p.sendHeartbeat()
			p.heartbeatTimer.Reset(p.cfg.HeartbeatInterval)

		case done := <-p.teardownCh:
			if err := p.flush(); err != nil {
				p.logger.Error("publisher: flush failed during teardown", "stream", p.name.String(), "err", err)
			}
			p.sendEndOfSession()
			close(done)
			return
		}
	}
}

// syncIdleTimer arms the coalescing idle timer when pending becomes
// non-empty and disarms it once pending drains.
func (p *Publisher) syncIdleTimer() {
	if len(p.pending) > 0 && p.idleTimer == nil {
		p.idleTimer = time.NewTimer(p.cfg.CoalesceIdle)
	} else if len(p.pending) == 0 && p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Publisher) handleSubmission(sub submission) error {
	enc, err := wire.EncodeMessage(sub.payload)
	if err != nil {
		sub.resp <- err
		return nil
	}

	projected := wire.ProjectedPacketSize(p.pendingSize, enc)
	if projected > p.cfg.MTU && len(p.pending) > 0 {
		if err := p.flush(); err != nil {
			sub.resp <- err
			return err
		}
		projected = wire.ProjectedPacketSize(0, enc)
	}
	if projected > p.cfg.MTU {
		sub.resp <- moldErrors.NewMessageTooLarge("publisher.Send", len(sub.payload), p.cfg.MTU)
		return nil
	}

	p.pending = append(p.pending, enc)
	p.pendingSize = projected
	sub.resp <- nil

	if len(p.pending) >= p.cfg.CoalesceCountLimit {
		if err := p.flush(); err != nil {
			return err
		}
	}
	return nil
}

// flush assigns sequence numbers to the pending batch, appends each message
// to the recovery log, inserts each into the recovery buffer, and multicasts
// a single packet. A log append failure is fatal and returned to the
// caller unchanged; no sequence numbers are consumed in that case. A send
// failure after a successful log write is logged as transient and does
// consume sequence numbers, since the messages are already durable and
// recoverable.
func (p *Publisher) flush() error {
	if len(p.pending) == 0 {
		return nil
	}
	batch := p.pending
	first := p.nextSeq

	for _, enc := range batch {
		if err := p.log.Append(enc); err != nil {
			return err
		}
	}
	for i, enc := range batch {
		p.buf.Insert(first+uint64(i), enc)
	}

	packet, err := wire.PackPacket(p.name, first, batch)
	if err != nil {
		p.logger.Error("publisher: pack failed unexpectedly", "stream", p.name.String(), "err", err)
	} else if err := p.sendPacket(packet); err != nil {
		p.logger.Warn("publisher: transient send error", "stream", p.name.String(),
			"err", moldErrors.NewSendTransient("publisher.flush", err))
	} else if p.metrics != nil {
		p.metrics.AddPacketSent(len(packet))
		p.metrics.AddMessagesSent(len(batch))
	}

	p.nextSeq += uint64(len(batch))
	p.pending = p.pending[:0]
	p.pendingSize = 0
	p.resetHeartbeat()
	return nil
}

func (p *Publisher) sendHeartbeat() {
	packet := wire.PackHeartbeat(p.name, p.nextSeq)
	if err := p.sendPacket(packet); err != nil {
		p.logger.Warn("publisher: heartbeat send failed", "stream", p.name.String(), "err", err)
		return
	}
	if p.metrics != nil {
		p.metrics.AddHeartbeatSent()
	}
}

func (p *Publisher) sendEndOfSession() {
	packet := wire.PackEndOfSession(p.name, p.nextSeq)
	if err := p.sendPacket(packet); err != nil {
		p.logger.Warn("publisher: end-of-session send failed", "stream", p.name.String(), "err", err)
	}
}

func (p *Publisher) sendPacket(b []byte) error {
	_, err := p.conn.Write(b)
	return err
}

func (p *Publisher) resetHeartbeat() {
	if !p.heartbeatTimer.Stop() {
		select {
		case <-p.heartbeatTimer.C:
		default:
		}
	}
	p.heartbeatTimer.Reset(p.cfg.HeartbeatInterval)
}

func (p *Publisher) fail(err error) {
	p.logger.Error("publisher: stopping after fatal error", "stream", p.name.String(), "err", err)
	if p.onFatal != nil {
		p.onFatal(err)
	}
}

func (p *Publisher) closeSockets() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.pc.Close()
		_ = p.conn.Close()
	})
}
