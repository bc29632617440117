package transport

import (
	"net"
	"sync"
)

// MockEndpoint is an in-memory Endpoint for tests. Sent packets are
// recorded for inspection and incoming packets are injected directly
// into the registered callback.
type MockEndpoint struct {
	mu     sync.Mutex
	sent   []SentPacket
	cb     PacketCallback
	local  net.Addr
	closed bool
}

// SentPacket records one Send call.
type SentPacket struct {
	Packet *Packet
	Addr   net.Addr
}

// NewMockEndpoint creates a mock endpoint with a fixed local address.
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{
		local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9090},
	}
}

// Send records the packet instead of transmitting it.
func (m *MockEndpoint) Send(packet *Packet, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentPacket{Packet: packet, Addr: addr})
	return nil
}

// SetPacketCallback registers the receive callback.
func (m *MockEndpoint) SetPacketCallback(cb PacketCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

// LocalAddr returns the fixed mock address.
func (m *MockEndpoint) LocalAddr() net.Addr {
	return m.local
}

// Close marks the endpoint closed.
func (m *MockEndpoint) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Inject delivers a packet to the registered callback, as if it had
// arrived off the wire.
func (m *MockEndpoint) Inject(packet *Packet, addr net.Addr) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(packet, addr)
	}
}

// Sent returns a snapshot of all packets sent so far.
func (m *MockEndpoint) Sent() []SentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentPacket, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentOfType filters the sent packets by type.
func (m *MockEndpoint) SentOfType(t PacketType) []SentPacket {
	var out []SentPacket
	for _, sp := range m.Sent() {
		if sp.Packet.Type == t {
			out = append(out, sp)
		}
	}
	return out
}

// Reset discards the sent-packet log.
func (m *MockEndpoint) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
