package rtp

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Gateway multiplexes RTP sessions over the port pool. It owns the routing
// tables session_id → session and rtp_port → session_id.
type Gateway struct {
	pool          *Pool
	advertiseHost string
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byPort   map[int]string
}

// NewGateway creates a gateway over [portMin, portMax]. advertiseHost is the
// address handed to the PBX for ExternalMedia legs.
func NewGateway(portMin, portMax int, advertiseHost string, logger *slog.Logger) (*Gateway, error) {
	pool, err := NewPool(portMin, portMax, logger)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		pool:          pool,
		advertiseHost: advertiseHost,
		logger:        logger.With("subsystem", "rtp-gateway"),
		sessions:      make(map[string]*Session),
		byPort:        make(map[int]string),
	}, nil
}

// Open allocates a port pair, creates a session delivering frames to
// consumer, and starts its receive loop. Pool exhaustion returns
// *NoFreePortsError.
func (g *Gateway) Open(consumer FrameFunc) (*Session, error) {
	pair, err := g.pool.Allocate()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	s := newSession(id, pair, consumer, g.logger)

	g.mu.Lock()
	g.sessions[id] = s
	g.byPort[pair.Ports.RTP] = id
	g.mu.Unlock()

	s.start()

	g.logger.Info("rtp session opened",
		"session_id", id,
		"rtp_port", pair.Ports.RTP,
	)
	return s, nil
}

// Get returns the session with the given id.
func (g *Gateway) Get(id string) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	return s, ok
}

// ByPort returns the session bound to the given RTP port.
func (g *Gateway) ByPort(port int) (*Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byPort[port]
	if !ok {
		return nil, false
	}
	s, ok := g.sessions[id]
	return s, ok
}

// Addr returns the advertised ingress address for a session.
func (g *Gateway) Addr(s *Session) string {
	return net.JoinHostPort(g.advertiseHost, strconv.Itoa(s.LocalPort()))
}

// Close stops the session and returns its ports to the pool. Unknown ids
// are ignored.
func (g *Gateway) Close(id string) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	if ok {
		delete(g.sessions, id)
		delete(g.byPort, s.sockets.Ports.RTP)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	s.Stop()
	g.pool.Release(s.sockets)
}

// CloseAll stops every session. Used during graceful shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	all := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.sessions = make(map[string]*Session)
	g.byPort = make(map[int]string)
	g.mu.Unlock()

	for _, s := range all {
		s.Stop()
		g.pool.Release(s.sockets)
	}
	if len(all) > 0 {
		g.logger.Info("closed all rtp sessions", "count", len(all))
	}
}

// InUse returns the number of allocated port pairs.
func (g *Gateway) InUse() int {
	return g.pool.AllocatedCount()
}

// Capacity returns the total number of port pairs.
func (g *Gateway) Capacity() int {
	return g.pool.Capacity()
}

// AggregatePacketsReceived sums packets received across live sessions.
// Closed sessions drop out of the total.
func (g *Gateway) AggregatePacketsReceived() uint64 {
	return g.totals().PacketsReceived
}

// AggregatePacketsLost sums detected packet losses across live sessions.
func (g *Gateway) AggregatePacketsLost() uint64 {
	return g.totals().PacketsLost
}

// AggregateBytesReceived sums payload bytes received across live sessions.
func (g *Gateway) AggregateBytesReceived() uint64 {
	return g.totals().BytesReceived
}

func (g *Gateway) totals() Stats {
	g.mu.Lock()
	all := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		all = append(all, s)
	}
	g.mu.Unlock()

	var total Stats
	for _, s := range all {
		st := s.Stats()
		total.PacketsReceived += st.PacketsReceived
		total.PacketsLost += st.PacketsLost
		total.PacketsDropped += st.PacketsDropped
		total.BytesReceived += st.BytesReceived
	}
	return total
}
