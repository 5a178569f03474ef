package drtp

import (
	"errors"
	"net"
	"time"
)

// errReceiveTimeout signals that no datagram arrived within the receive
// timeout. It is internal flow control, never surfaced to callers.
var errReceiveTimeout = errors.New("drtp: receive timed out")

// datagramChannel is the unreliable transport under the protocol engine:
// bounded datagrams, no ordering or delivery guarantee. The UDP
// implementation lives below; tests substitute an in-memory pair.
type datagramChannel interface {
	Send(data []byte, addr net.Addr) error
	// Receive blocks for the next datagram. A timeout of zero blocks
	// indefinitely; otherwise errReceiveTimeout is returned when the
	// duration elapses without traffic.
	Receive(timeout time.Duration) ([]byte, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

type udpChannel struct {
	conn *net.UDPConn
}

func newUDPChannel(localAddr string) (*udpChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &udpChannel{conn: conn}, nil
}

func (channel *udpChannel) Send(data []byte, addr net.Addr) error {
	_, err := channel.conn.WriteTo(data, addr)
	return err
}

func (channel *udpChannel) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := channel.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, err
	}
	buffer := make([]byte, maxDatagramSize)
	n, addr, err := channel.conn.ReadFromUDP(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, errReceiveTimeout
		}
		return nil, nil, err
	}
	return buffer[:n], addr, nil
}

func (channel *udpChannel) LocalAddr() net.Addr {
	return channel.conn.LocalAddr()
}

func (channel *udpChannel) Close() error {
	return channel.conn.Close()
}
