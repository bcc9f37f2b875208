package real

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/interfaces"
)

// Sleeper provides an abstraction over time.Sleep for deterministic testing.
type Sleeper interface {
	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)
}

// DefaultSleeper implements Sleeper using the standard library time.Sleep.
type DefaultSleeper struct{}

// Sleep pauses execution for the specified duration using time.Sleep.
func (DefaultSleeper) Sleep(d time.Duration) {
	time.Sleep(d)
}

// packetConn is the subset of *net.UDPConn used by the transport.
type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport implements interfaces.DatagramTransport on a UDP socket.
type UDPTransport struct {
	conn    packetConn
	config  *interfaces.TransportConfig
	sleeper Sleeper

	mu      sync.RWMutex
	handler interfaces.DatagramHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUDPTransport binds a UDP socket and starts reading from it.
func NewUDPTransport(config *interfaces.TransportConfig) (*UDPTransport, error) {
	if config == nil {
		config = interfaces.DefaultTransportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	laddr, err := net.ResolveUDPAddr("udp", config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", config.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewUDPTransport",
			"address":  config.ListenAddress,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return nil, fmt.Errorf("listen on %s: %w", config.ListenAddress, err)
	}

	t := newUDPTransport(conn, config)

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"address":  t.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

func newUDPTransport(conn packetConn, config *interfaces.TransportConfig) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:    conn,
		config:  config,
		sleeper: DefaultSleeper{},
		ctx:     ctx,
		cancel:  cancel,
	}

	t.wg.Add(1)
	go t.processDatagrams()
	return t
}

// SetSleeper sets a custom Sleeper implementation (primarily for testing).
func (t *UDPTransport) SetSleeper(s Sleeper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sleeper = s
}

// SetHandler implements interfaces.DatagramTransport.
func (t *UDPTransport) SetHandler(handler interfaces.DatagramHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send implements interfaces.DatagramTransport. Send never waits: after a
// transient error the datagram is resent with exponential backoff on a
// separate goroutine and Send returns nil.
func (t *UDPTransport) Send(datagram []byte, to netip.AddrPort) error {
	if t.ctx.Err() != nil {
		return interfaces.ErrTransportClosed
	}

	err := t.write(datagram, to)
	if err == nil {
		return nil
	}
	if !isTransient(err) || t.config.RetryAttempts == 0 {
		return fmt.Errorf("send to %s: %w", to, err)
	}

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return interfaces.ErrTransportClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.retry(append([]byte(nil), datagram...), to, err)
	return nil
}

func (t *UDPTransport) write(datagram []byte, to netip.AddrPort) error {
	_, err := t.conn.WriteToUDPAddrPort(datagram, to)
	if errors.Is(err, net.ErrClosed) {
		return interfaces.ErrTransportClosed
	}
	return err
}

// retry resends a datagram until it is written, a permanent error occurs,
// the attempts run out or the transport closes.
func (t *UDPTransport) retry(datagram []byte, to netip.AddrPort, err error) {
	defer t.wg.Done()

	for attempt := 0; attempt < t.config.RetryAttempts; attempt++ {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.retry",
			"to":       to.String(),
			"attempt":  attempt + 1,
			"error":    err.Error(),
		}).Debug("Datagram send failed, retrying")

		t.waitBeforeRetry(attempt)
		if t.ctx.Err() != nil {
			return
		}
		if err = t.write(datagram, to); err == nil {
			return
		}
		if !isTransient(err) {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.retry",
		"to":       to.String(),
		"size":     len(datagram),
		"error":    err.Error(),
	}).Warn("Dropping datagram after failed resends")
}

// LocalAddr implements interfaces.DatagramTransport.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	if udp, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		return udp.AddrPort()
	}
	return netip.AddrPort{}
}

// Close implements interfaces.DatagramTransport.
func (t *UDPTransport) Close() error {
	if t.ctx.Err() != nil {
		return nil
	}
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	err := t.conn.Close()
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Close",
	}).Info("UDP transport closed")
	return err
}

// IsSimulation implements interfaces.DatagramTransport.
func (t *UDPTransport) IsSimulation() bool {
	return false
}

func (t *UDPTransport) processDatagrams() {
	defer t.wg.Done()
	buffer := make([]byte, t.config.ReadBufferSize)

	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.processDatagrams",
				"error":    err.Error(),
			}).Debug("Datagram read failed")
			continue
		}

		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()
		if handler == nil {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		handler(datagram, from)
	}
}

func (t *UDPTransport) waitBeforeRetry(attempt int) {
	t.mu.RLock()
	sleeper := t.sleeper
	t.mu.RUnlock()
	sleeper.Sleep(t.config.RetryBackoff << attempt)
}

// isTransient reports whether a send error may succeed when retried.
func isTransient(err error) bool {
	if errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
