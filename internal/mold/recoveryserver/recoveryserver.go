// Package recoveryserver implements the per-stream MoldUDP64 recovery
// responder: a UDP unicast socket that decodes recovery requests, resolves
// the requested range against the recovery buffer and (if needed) the
// recovery log, repacks within the MTU, and replies. It never advances
// sequence numbers and never blocks the publisher.
package recoveryserver

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	moldErrors "github.com/alxayo/moldpublisher/internal/errors"
	"github.com/alxayo/moldpublisher/internal/bufpool"
	"github.com/alxayo/moldpublisher/internal/mold/metrics"
	"github.com/alxayo/moldpublisher/internal/mold/recoverybuf"
	"github.com/alxayo/moldpublisher/internal/mold/recoverylog"
	"github.com/alxayo/moldpublisher/internal/mold/wire"
)

// Source bundles the stream state the recovery server reads from. It never
// writes to either the log or the buffer.
type Source struct {
	Name wire.StreamName
	Buf  *recoverybuf.Buffer
	Log  *recoverylog.Log
}

// Config holds the recovery responder's listen address, MTU and per-source
// rate-limit knobs.
type Config struct {
	ListenAddr *net.UDPAddr
	MTU        int

	RateLimitPerSec float64
	RateLimitBurst  int
	IdleEvict       time.Duration
}

func (c *Config) applyDefaults() {
	if c.MTU == 0 {
		c.MTU = 1400
	}
	if c.RateLimitPerSec == 0 {
		c.RateLimitPerSec = 50
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 100
	}
	if c.IdleEvict == 0 {
		c.IdleEvict = 5 * time.Minute
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server is one stream's recovery responder. It owns its own UDP socket and
// goroutine; reads are serialised since there is exactly one goroutine doing
// ReadFromUDP, matching the teacher's one-goroutine-per-socket model.
type Server struct {
	cfg Config
	src Source

	conn    *net.UDPConn
	logger  *slog.Logger
	metrics *metrics.StreamMetrics

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New binds the recovery socket and starts the responder and idle-limiter
// evictor goroutines.
func New(cfg Config, src Source, sm *metrics.StreamMetrics, logger *slog.Logger) (*Server, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.ListenUDP("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, moldErrors.NewLogIoError("recoveryserver.New.listen", err)
	}

	s := &Server{
		cfg:      cfg,
		src:      src,
		conn:     conn,
		logger:   logger,
		metrics:  sm,
		limiters: make(map[string]*limiterEntry),
		closing:  make(chan struct{}),
	}

	s.wg.Add(2)
	go s.loop()
	go s.evictLoop()
	return s, nil
}

// Close stops the responder, unblocking the in-flight ReadFromUDP and
// waiting for both goroutines to exit.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		err = s.conn.Close()
	})
	s.wg.Wait()
	return err
}

func (s *Server) loop() {
	defer s.wg.Done()
	for {
		buf := bufpool.Get(64)
		n, caddr, rerr := s.conn.ReadFromUDP(buf)
		if rerr != nil {
			bufpool.Put(buf)
			select {
			case <-s.closing:
				return
			default:
				s.logger.Error("recoveryserver: read error", "stream", s.src.Name.String(), "err", rerr)
				continue
			}
		}
		s.handleDatagram(caddr, buf[:n])
		bufpool.Put(buf)
	}
}

func (s *Server) handleDatagram(caddr *net.UDPAddr, raw []byte) {
	req, err := wire.ParseRecoveryRequest(raw)
	if err != nil {
		s.drop(caddr, err)
		return
	}
	if req.Name != s.src.Name {
		// Unmatched stream name: same observable behaviour as malformed.
		s.drop(caddr, moldErrors.NewMalformedRequest("recoveryserver.handleDatagram", errors.New("stream name mismatch")))
		return
	}
	if !s.allow(caddr.IP.String()) {
		s.drop(caddr, nil)
		return
	}

	msgs, err := resolveRange(s.src.Buf, s.src.Log, req.SequenceNumber, int(req.Count))
	if err != nil {
		s.drop(caddr, err)
		return
	}
	if len(msgs) == 0 {
		s.drop(caddr, moldErrors.NewOutOfRange(req.SequenceNumber, s.src.Log.LastWritten()))
		return
	}

	msgs = clampToMTU(msgs, s.cfg.MTU)
	if len(msgs) == 0 {
		s.drop(caddr, moldErrors.NewMessageTooLarge("recoveryserver.clampToMTU", 0, s.cfg.MTU))
		return
	}
	packet, err := wire.PackPacket(s.src.Name, req.SequenceNumber, msgs)
	if err != nil {
		s.drop(caddr, err)
		return
	}

	if _, err := s.conn.WriteToUDP(packet, caddr); err != nil {
		s.logger.Warn("recoveryserver: reply send failed", "stream", s.src.Name.String(),
			"err", moldErrors.NewSendTransient("recoveryserver.reply", err))
		return
	}
	if s.metrics != nil {
		s.metrics.AddRecoveryServed(len(packet))
	}
}

func (s *Server) drop(caddr *net.UDPAddr, err error) {
	if s.metrics != nil {
		s.metrics.AddRecoveryDropped()
	}
	if err != nil {
		s.logger.Debug("recoveryserver: dropped request", "stream", s.src.Name.String(), "from", caddr.String(), "err", err)
	}
}

// allow applies the per-source-IP token bucket, creating a limiter on first
// sight and refreshing its last-seen time on every request.
func (s *Server) allow(ip string) bool {
	s.mu.Lock()
	e, ok := s.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)}
		s.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	s.mu.Unlock()
	return e.limiter.Allow()
}

func (s *Server) evictLoop() {
	defer s.wg.Done()
	interval := s.cfg.IdleEvict / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case now := <-ticker.C:
			s.evictIdle(now)
		}
	}
}

func (s *Server) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, e := range s.limiters {
		if now.Sub(e.lastSeen) > s.cfg.IdleEvict {
			delete(s.limiters, ip)
		}
	}
}

// resolveRange returns the messages covering [seq, seq+count) clamped to
// lastWritten, consulting the recovery buffer first and falling back to the
// log for any prefix the buffer has already evicted.
func resolveRange(buf *recoverybuf.Buffer, log *recoverylog.Log, seq uint64, count int) ([]wire.EncodedMessage, error) {
	lastWritten := log.LastWritten()
	if count <= 0 || seq > lastWritten {
		return nil, nil
	}
	end := seq + uint64(count)
	if end > lastWritten+1 {
		end = lastWritten + 1
	}
	if end <= seq {
		return nil, nil
	}

	low, _, ok := buf.Bounds()
	if !ok || end <= low {
		return log.ReadRange(seq, int(end-seq))
	}

	bufStart := seq
	var out []wire.EncodedMessage
	if bufStart < low {
		logMsgs, err := log.ReadRange(seq, int(low-seq))
		if err != nil {
			return nil, err
		}
		out = append(out, logMsgs...)
		bufStart = low
	}
	out = append(out, buf.LookupRange(bufStart, int(end-bufStart))...)
	return out, nil
}

// clampToMTU trims msgs to the longest prefix that fits within mtu bytes,
// mirroring the publisher's own incremental ProjectedPacketSize accounting.
func clampToMTU(msgs []wire.EncodedMessage, mtu int) []wire.EncodedMessage {
	size := 0
	for i, m := range msgs {
		size = wire.ProjectedPacketSize(size, m)
		if size > mtu {
			return msgs[:i]
		}
	}
	return msgs
}
