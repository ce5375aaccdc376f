package media

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Playback is the output sink bound to a call's remote audio. It connects
// the local capture socket to the remote RTP endpoint and drains inbound
// packets until stopped. Started on creation (the remote leg begins playing
// as soon as it is bound).
type Playback struct {
	Remote *RemoteStream

	conn    *net.UDPConn
	logger  *slog.Logger
	stopped atomic.Bool

	// packet counters, read by metrics and tests
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
}

// NewPlayback binds the remote stream to the capture's RTP socket and
// starts draining inbound audio.
func NewPlayback(capture *Capture, remote *RemoteStream, logger *slog.Logger) *Playback {
	p := &Playback{
		Remote: remote,
		conn:   capture.RTP,
		logger: logger.With("subsystem", "media"),
	}
	go p.drainLoop()
	p.logger.Debug("playback bound",
		"remote_addr", remote.Address,
		"remote_port", remote.Port,
		"payload_type", remote.PayloadType,
	)
	return p
}

// Stop halts the drain loop. Idempotent; the underlying socket belongs to
// the capture and is not closed here.
func (p *Playback) Stop() {
	p.stopped.Store(true)
}

// Stopped reports whether playback has been stopped.
func (p *Playback) Stopped() bool {
	return p.stopped.Load()
}

// PacketsReceived returns the number of RTP packets drained so far.
func (p *Playback) PacketsReceived() uint64 {
	return p.packetsReceived.Load()
}

// drainLoop reads inbound RTP until the playback is stopped or the socket
// is closed by the owning capture.
func (p *Playback) drainLoop() {
	buf := make([]byte, 1500)
	for !p.stopped.Load() {
		p.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Socket closed underneath us; the capture was released.
			return
		}
		p.packetsReceived.Add(1)
		p.bytesReceived.Add(uint64(n))
	}
}
