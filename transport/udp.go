package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketCallback is invoked for every successfully decoded datagram.
type PacketCallback func(packet *Packet, addr net.Addr)

// Endpoint abstracts a bound datagram endpoint. It is satisfied by
// UDPEndpoint and by MockEndpoint for tests.
type Endpoint interface {
	// Send encodes and transmits a packet. Transport-level failures are
	// the caller's to absorb; the reliability layer recovers by
	// retransmission.
	Send(packet *Packet, addr net.Addr) error

	// SetPacketCallback registers the receive callback. Only one
	// callback is active at a time.
	SetPacketCallback(cb PacketCallback)

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr

	// Close shuts the endpoint down and stops the receive pump.
	Close() error
}

// UDPEndpoint owns one bound UDP socket and continuously rearms receive.
// It imposes no framing beyond a single datagram per packet.
type UDPEndpoint struct {
	conn   net.PacketConn
	mu     sync.RWMutex
	cb     PacketCallback
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds a UDP endpoint on addr (host:port) and starts the
// asynchronous receive pump.
func Listen(addr string) (*UDPEndpoint, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listen",
			"addr":     addr,
			"error":    err.Error(),
		}).Error("Failed to bind UDP endpoint")
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &UDPEndpoint{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.receivePump()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     conn.LocalAddr().String(),
	}).Info("UDP endpoint bound")

	return ep, nil
}

// Send encodes the packet and fires it at the remote address.
func (ep *UDPEndpoint) Send(packet *Packet, addr net.Addr) error {
	_, err := ep.conn.WriteTo(packet.Marshal(), addr)
	return err
}

// SetPacketCallback registers the callback invoked for every received
// datagram that decodes successfully.
func (ep *UDPEndpoint) SetPacketCallback(cb PacketCallback) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.cb = cb
}

// LocalAddr returns the bound address.
func (ep *UDPEndpoint) LocalAddr() net.Addr {
	return ep.conn.LocalAddr()
}

// Close stops the receive pump and closes the socket.
func (ep *UDPEndpoint) Close() error {
	ep.cancel()
	err := ep.conn.Close()
	ep.wg.Wait()
	return err
}

// receivePump reads datagrams until the endpoint is closed. Reads use a
// short deadline so cancellation is observed promptly.
func (ep *UDPEndpoint) receivePump() {
	defer ep.wg.Done()

	buf := make([]byte, MaxPacketSize+512)

	for {
		select {
		case <-ep.ctx.Done():
			return
		default:
		}

		_ = ep.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, addr, err := ep.conn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ep.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receivePump",
				"error":    err.Error(),
			}).Warn("UDP read failed")
			continue
		}

		pkt, err := Unmarshal(buf[:n])
		if err != nil {
			// Protocol anomaly: drop silently, per error policy.
			logrus.WithFields(logrus.Fields{
				"function": "receivePump",
				"from":     addr.String(),
				"length":   n,
			}).Debug("Dropping malformed datagram")
			continue
		}

		ep.mu.RLock()
		cb := ep.cb
		ep.mu.RUnlock()

		if cb != nil {
			cb(pkt, addr)
		}
	}
}
