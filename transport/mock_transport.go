package transport

import (
	"net/netip"
	"sync"

	"github.com/opd-ai/meshlink/interfaces"
)

// MockTransport implements interfaces.DatagramTransport for testing. It
// records every sent datagram and lets tests inject inbound ones.
type MockTransport struct {
	mu        sync.Mutex
	sent      []MockDatagram
	handler   interfaces.DatagramHandler
	localAddr netip.AddrPort
	sendFunc  func(datagram []byte, to netip.AddrPort) error
	closed    bool
}

// MockDatagram is a datagram sent through a MockTransport.
type MockDatagram struct {
	Data []byte
	To   netip.AddrPort
}

// NewMockTransport creates a mock bound to addr.
func NewMockTransport(addr netip.AddrPort) *MockTransport {
	return &MockTransport{
		localAddr: addr,
		sendFunc:  func([]byte, netip.AddrPort) error { return nil },
	}
}

// Send implements interfaces.DatagramTransport.
func (m *MockTransport) Send(datagram []byte, to netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return interfaces.ErrTransportClosed
	}
	m.sent = append(m.sent, MockDatagram{Data: append([]byte(nil), datagram...), To: to})
	return m.sendFunc(datagram, to)
}

// SetHandler implements interfaces.DatagramTransport.
func (m *MockTransport) SetHandler(handler interfaces.DatagramHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// LocalAddr implements interfaces.DatagramTransport.
func (m *MockTransport) LocalAddr() netip.AddrPort {
	return m.localAddr
}

// Close implements interfaces.DatagramTransport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsSimulation implements interfaces.DatagramTransport.
func (m *MockTransport) IsSimulation() bool {
	return true
}

// SetSendFunc replaces the function called for every Send.
func (m *MockTransport) SetSendFunc(f func(datagram []byte, to netip.AddrPort) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = f
}

// Sent returns a copy of the recorded datagrams.
func (m *MockTransport) Sent() []MockDatagram {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockDatagram, len(m.sent))
	copy(out, m.sent)
	return out
}

// Inject delivers a datagram to the installed handler as if it arrived
// from the given address.
func (m *MockTransport) Inject(datagram []byte, from netip.AddrPort) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(datagram, from)
	}
}
