package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Capture is the local audio handle for a call: an RTP+RTCP socket pair
// bound for the lifetime of one session. Acquisition is the step that can
// fail (no free ports, no device), which is why callers must treat a nil
// Capture as "no local audio".
type Capture struct {
	RTP  *net.UDPConn
	RTCP *net.UDPConn
	Port int
	Host string

	mu      sync.Mutex
	stopped bool
}

// Stop releases both sockets. Safe to call multiple times and on a capture
// that only partially bound.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.RTP != nil {
		c.RTP.Close()
	}
	if c.RTCP != nil {
		c.RTCP.Close()
	}
}

// Stopped reports whether the capture has been released.
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Allocator acquires local audio captures. The call manager depends on this
// interface so tests can inject failing or fake devices.
type Allocator interface {
	Acquire() (*Capture, error)
}

// PortAllocator hands out RTP/RTCP port pairs from a configured range.
// RTP uses the even port, RTCP the next odd port.
type PortAllocator struct {
	Host    string // address to bind and advertise in SDP
	PortMin int
	PortMax int
	logger  *slog.Logger

	mu   sync.Mutex
	next int
}

// NewPortAllocator creates an allocator over [portMin, portMax]. portMin
// must be even.
func NewPortAllocator(host string, portMin, portMax int, logger *slog.Logger) (*PortAllocator, error) {
	if portMin%2 != 0 {
		return nil, fmt.Errorf("rtp port range must start on an even port, got %d", portMin)
	}
	if portMax < portMin+2 {
		return nil, fmt.Errorf("rtp port range too small: %d-%d", portMin, portMax)
	}
	return &PortAllocator{
		Host:    host,
		PortMin: portMin,
		PortMax: portMax,
		logger:  logger.With("subsystem", "media"),
		next:    portMin,
	}, nil
}

// Acquire binds the next free RTP/RTCP pair. It scans the range at most
// once before giving up.
func (a *PortAllocator) Acquire() (*Capture, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := (a.PortMax - a.PortMin + 2) / 2
	for i := 0; i < span; i++ {
		port := a.next
		a.next += 2
		if a.next > a.PortMax {
			a.next = a.PortMin
		}

		rtpConn, err := bindUDP(a.Host, port)
		if err != nil {
			continue
		}
		rtcpConn, err := bindUDP(a.Host, port+1)
		if err != nil {
			rtpConn.Close()
			continue
		}

		a.logger.Debug("local capture acquired", "rtp_port", port)
		return &Capture{
			RTP:  rtpConn,
			RTCP: rtcpConn,
			Port: port,
			Host: a.Host,
		}, nil
	}

	return nil, fmt.Errorf("no free rtp port pair in range %d-%d", a.PortMin, a.PortMax)
}

func bindUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}
