package drtp

import (
	"container/list"
	"flag"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}
	os.Exit(m.Run())
}

type drtpTestSuite struct {
	suite.Suite
}

func (suite *drtpTestSuite) handleTestError(err error) {
	if err != nil {
		suite.T().Error("error occurred:", err.Error())
	}
}

type memoryAddr string

func (a memoryAddr) Network() string { return "mem" }
func (a memoryAddr) String() string  { return string(a) }

type testDatagram struct {
	payload []byte
	from    net.Addr
}

// memoryChannel is the in-memory stand-in for the UDP channel: a duplex
// pair of buffered Go channels carrying whole datagrams.
type memoryChannel struct {
	localAddr memoryAddr
	in        chan testDatagram
	out       chan testDatagram
	quit      chan struct{}
	closeOnce sync.Once
}

func newMemoryChannelPair() (*memoryChannel, *memoryChannel) {
	alphaToBeta := make(chan testDatagram, 100)
	betaToAlpha := make(chan testDatagram, 100)
	alpha := &memoryChannel{localAddr: "alpha", in: betaToAlpha, out: alphaToBeta, quit: make(chan struct{})}
	beta := &memoryChannel{localAddr: "beta", in: alphaToBeta, out: betaToAlpha, quit: make(chan struct{})}
	return alpha, beta
}

func (c *memoryChannel) Send(data []byte, _ net.Addr) error {
	buffer := make([]byte, len(data))
	copy(buffer, data)
	select {
	case c.out <- testDatagram{payload: buffer, from: c.localAddr}:
		return nil
	case <-c.quit:
		return net.ErrClosed
	}
}

func (c *memoryChannel) Receive(timeout time.Duration) ([]byte, net.Addr, error) {
	if timeout <= 0 {
		select {
		case d := <-c.in:
			return d.payload, d.from, nil
		case <-c.quit:
			return nil, nil, net.ErrClosed
		}
	}
	select {
	case d := <-c.in:
		return d.payload, d.from, nil
	case <-c.quit:
		return nil, nil, net.ErrClosed
	case <-time.After(timeout):
		return nil, nil, errReceiveTimeout
	}
}

func (c *memoryChannel) LocalAddr() net.Addr { return c.localAddr }

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

// segmentManipulator drops selected outgoing segments exactly once to
// simulate loss on the wire.
type segmentManipulator struct {
	datagramChannel
	mu              sync.Mutex
	toDropOnce      list.List // data segment sequence numbers
	flagsToDropOnce list.List // exact flag sets of control segments
}

func newSegmentManipulator(channel datagramChannel) *segmentManipulator {
	return &segmentManipulator{datagramChannel: channel}
}

func (m *segmentManipulator) DropOnce(sequenceNumber uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toDropOnce.PushFront(sequenceNumber)
}

func (m *segmentManipulator) DropFlaggedOnce(flags uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flagsToDropOnce.PushFront(flags)
}

func (m *segmentManipulator) Send(data []byte, addr net.Addr) error {
	seg, err := parseSegment(data)
	if err == nil {
		m.mu.Lock()
		if seg.isData() {
			for elem := m.toDropOnce.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(uint32) == seg.seqNum {
					m.toDropOnce.Remove(elem)
					m.mu.Unlock()
					return nil
				}
			}
		} else {
			for elem := m.flagsToDropOnce.Front(); elem != nil; elem = elem.Next() {
				if elem.Value.(uint16) == seg.flags {
					m.flagsToDropOnce.Remove(elem)
					m.mu.Unlock()
					return nil
				}
			}
		}
		m.mu.Unlock()
	}
	return m.datagramChannel.Send(data, addr)
}

// wireRecorder remembers every outgoing segment so tests can count
// transmissions and retransmissions per sequence number or flag set.
type wireRecorder struct {
	datagramChannel
	mu   sync.Mutex
	sent []*segment
}

func newWireRecorder(channel datagramChannel) *wireRecorder {
	return &wireRecorder{datagramChannel: channel}
}

func (r *wireRecorder) Send(data []byte, addr net.Addr) error {
	buffer := make([]byte, len(data))
	copy(buffer, data)
	if seg, err := parseSegment(buffer); err == nil {
		r.mu.Lock()
		r.sent = append(r.sent, seg)
		r.mu.Unlock()
	}
	return r.datagramChannel.Send(data, addr)
}

func (r *wireRecorder) countDataSegment(sequenceNumber uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, seg := range r.sent {
		if seg.isData() && seg.seqNum == sequenceNumber {
			count++
		}
	}
	return count
}

func (r *wireRecorder) countFlagged(flags uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, seg := range r.sent {
		if seg.flags == flags {
			count++
		}
	}
	return count
}

func (r *wireRecorder) countData() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, seg := range r.sent {
		if seg.isData() {
			count++
		}
	}
	return count
}

func (r *wireRecorder) totalSent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// testEndpoint stacks recorder over manipulator over the raw channel, so
// the recorder sees every transmission attempt and the manipulator decides
// what actually reaches the wire.
type testEndpoint struct {
	channel     datagramChannel
	recorder    *wireRecorder
	manipulator *segmentManipulator
}

func newTestEndpointPair() (*testEndpoint, *testEndpoint) {
	alpha, beta := newMemoryChannelPair()
	return wrapEndpoint(alpha), wrapEndpoint(beta)
}

func wrapEndpoint(channel datagramChannel) *testEndpoint {
	manipulator := newSegmentManipulator(channel)
	recorder := newWireRecorder(manipulator)
	return &testEndpoint{channel: recorder, recorder: recorder, manipulator: manipulator}
}
