// Package rtp implements the media gateway: a UDP port pool, per-call RTP
// receive sessions, and 20 ms linear-PCM framing of G.711 payloads for the
// AI audio path.
package rtp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// PortPair holds an RTP port and its companion RTCP port (RTP+1).
type PortPair struct {
	RTP  int
	RTCP int
}

// SocketPair holds the UDP connections for an RTP/RTCP port pair. The RTCP
// socket is bound only to keep the odd port out of other processes' hands;
// nothing reads from it.
type SocketPair struct {
	Ports    PortPair
	RTPConn  *net.UDPConn
	RTCPConn *net.UDPConn
}

// Close releases both UDP sockets.
func (sp *SocketPair) Close() error {
	var first error
	for _, conn := range []*net.UDPConn{sp.RTPConn, sp.RTCPConn} {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NoFreePortsError is returned by Allocate when every pair in the range is
// either allocated or unbindable.
type NoFreePortsError struct {
	Capacity int
}

func (e *NoFreePortsError) Error() string {
	return fmt.Sprintf("no free rtp ports (all %d pairs in use)", e.Capacity)
}

// Pool hands out UDP socket pairs for RTP ingress. RTP lives on even ports
// within [portMin, portMax]; each pair's odd neighbour is bound alongside
// it for RTCP.
type Pool struct {
	portMin int
	portMax int
	logger  *slog.Logger

	mu    sync.Mutex
	inUse map[int]struct{} // allocated even RTP ports
	next  int              // next even port the scan starts from
}

// NewPool creates a port pool over [portMin, portMax]. portMin must be even
// and the range must hold at least one pair.
func NewPool(portMin, portMax int, logger *slog.Logger) (*Pool, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("portMin must be even, got %d", portMin)
	}
	if portMax <= portMin {
		return nil, fmt.Errorf("portMax (%d) must be greater than portMin (%d)", portMax, portMin)
	}

	p := &Pool{
		portMin: portMin,
		portMax: portMax,
		logger:  logger.With("subsystem", "rtp-pool"),
		inUse:   make(map[int]struct{}),
		next:    portMin,
	}
	p.logger.Info("rtp port pool initialized",
		"port_min", portMin, "port_max", portMax, "capacity", p.Capacity())
	return p, nil
}

// Capacity returns the total number of port pairs in the range.
func (p *Pool) Capacity() int {
	return (p.portMax - p.portMin + 1) / 2
}

// AllocatedCount returns the number of pairs currently handed out.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Allocate binds the next free RTP+RTCP socket pair. The scan is linear
// from where the previous allocation left off, wrapping at the top of the
// range; ports bound by another process are skipped. When every pair has
// been tried without success the caller gets *NoFreePortsError.
func (p *Pool) Allocate() (*SocketPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	capacity := p.Capacity()
	for tried := 0; tried < capacity; tried++ {
		port := p.next
		if p.next += 2; p.next > p.portMax-1 {
			p.next = p.portMin
		}

		if _, taken := p.inUse[port]; taken {
			continue
		}
		pair, err := bindPair(port)
		if err != nil {
			p.logger.Debug("port pair bind failed, trying next", "rtp_port", port, "error", err)
			continue
		}

		p.inUse[port] = struct{}{}
		p.logger.Debug("port pair allocated",
			"rtp_port", port, "allocated", len(p.inUse), "capacity", capacity)
		return pair, nil
	}
	return nil, &NoFreePortsError{Capacity: capacity}
}

// Release closes the sockets and returns the pair to the pool.
func (p *Pool) Release(pair *SocketPair) {
	if pair == nil {
		return
	}
	if err := pair.Close(); err != nil {
		p.logger.Warn("error closing socket pair", "rtp_port", pair.Ports.RTP, "error", err)
	}

	p.mu.Lock()
	delete(p.inUse, pair.Ports.RTP)
	remaining := len(p.inUse)
	p.mu.Unlock()

	p.logger.Debug("port pair released", "rtp_port", pair.Ports.RTP, "allocated", remaining)
}

// bindPair binds an even RTP port together with its odd RTCP neighbour;
// a failure on either leaves neither bound.
func bindPair(rtpPort int) (*SocketPair, error) {
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("binding rtp port %d: %w", rtpPort, err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("binding rtcp port %d: %w", rtpPort+1, err)
	}
	return &SocketPair{
		Ports:    PortPair{RTP: rtpPort, RTCP: rtpPort + 1},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}, nil
}
