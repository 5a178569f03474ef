package drtp

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Conn is one endpoint of a DRTP connection. It owns the datagram channel
// after the handshake completes. Stream operations are sequential: one of
// SendStream, ReceiveStream or Close runs at a time.
type Conn struct {
	channel    datagramChannel
	peer       net.Addr
	config     *Config
	windowSize uint16

	mu    sync.Mutex
	state connState

	// packets carries decoded incoming segments from the pump goroutine
	// into whichever stream operation is active.
	packets   chan *segment
	closed    chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

func newConn(channel datagramChannel, peer net.Addr, config *Config, windowSize uint16, state connState, logger zerolog.Logger) *Conn {
	return &Conn{
		channel:    channel,
		peer:       peer,
		config:     config,
		windowSize: windowSize,
		state:      state,
		packets:    make(chan *segment, 64),
		closed:     make(chan struct{}),
		logger:     logger,
	}
}

func (c *Conn) LocalAddr() net.Addr  { return c.channel.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.peer }

// WindowSize is the sliding-window size in segments fixed at handshake
// time: announced by the client, echoed unchanged by the server.
func (c *Conn) WindowSize() uint16 { return c.windowSize }

func (c *Conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionTo runs the state machine for a local or packet event and
// stores the new state. The returned action tells the caller which control
// packet to emit.
func (c *Conn) transitionTo(event connEvent) (connAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, action, err := transition(c.state, event)
	if err != nil {
		return actNone, err
	}
	if next != c.state {
		c.logger.Debug().Stringer("from", c.state).Stringer("to", next).Stringer("event", event).Msg("state transition")
	}
	c.state = next
	return action, nil
}

func (c *Conn) startPump(stash *segment) {
	if stash != nil {
		c.packets <- stash
	}
	go c.pump()
}

// pump is the single reader of the datagram channel for the connection's
// lifetime. It validates and decodes incoming datagrams and hands them to
// the active stream operation. Duplicate FINs after end of stream are
// re-acknowledged here so a lost FIN-ACK is repaired even between caller
// operations.
func (c *Conn) pump() {
	defer close(c.packets)
	for {
		data, from, err := c.channel.Receive(c.config.RetransmissionTimeout)
		if err != nil {
			if errors.Is(err, errReceiveTimeout) {
				if c.isClosed() {
					return
				}
				continue
			}
			if !c.isClosed() {
				c.logger.Debug().Err(err).Msg("datagram channel receive failed")
			}
			return
		}
		if from != nil && from.String() != c.peer.String() {
			c.logger.Debug().Stringer("from", from).Msg("datagram from unknown peer dropped")
			continue
		}
		seg, err := parseSegment(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("malformed packet dropped")
			continue
		}
		if seg.isFlaggedAs(flagFIN) && !seg.isFlaggedAs(flagACK) && c.currentState() == stateFinReceived {
			// the peer never saw our FIN-ACK and repeated its FIN
			if action, err := c.transitionTo(evFinReceived); err == nil && action == actSendFinAck {
				finAck := createFlaggedSegment(flagFIN|flagACK, c.windowSize)
				if err := c.channel.Send(finAck.encode(), c.peer); err == nil {
					c.logger.Debug().Msg("FIN-ACK retransmitted")
				}
			}
			continue
		}
		select {
		case c.packets <- seg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close ends the connection. On the side that sent the stream it runs the
// FIN / FIN-ACK exchange, retransmitting the FIN up to the retry budget;
// exhaustion force-closes and returns ErrTeardownTimeout. On the side that
// already answered a FIN it lingers one timeout so a retransmitted FIN can
// still be acknowledged, then releases the channel.
func (c *Conn) Close() error {
	switch c.currentState() {
	case stateEstablished:
		return c.activeClose()
	case stateFinReceived:
		time.Sleep(c.config.RetransmissionTimeout)
		_, _ = c.transitionTo(evForceClose)
		c.logger.Info().Msg("connection closed")
		return c.teardown()
	default:
		_, _ = c.transitionTo(evForceClose)
		return c.teardown()
	}
}

func (c *Conn) activeClose() error {
	if _, err := c.transitionTo(evSendFin); err != nil {
		return err
	}
	fin := createFlaggedSegment(flagFIN, c.windowSize)
	c.logger.Info().Msg("connection teardown started")
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if err := c.channel.Send(fin.encode(), c.peer); err != nil {
			c.forceClose()
			return err
		}
		if attempt == 0 {
			c.logger.Debug().Msg("FIN sent")
		} else {
			c.logger.Debug().Int("attempt", attempt+1).Msg("retransmitting FIN")
		}
		deadline := time.NewTimer(c.config.RetransmissionTimeout)
	wait:
		for {
			select {
			case seg, ok := <-c.packets:
				if !ok {
					deadline.Stop()
					c.forceClose()
					return ErrConnectionClosed
				}
				if seg.isFlaggedAs(flagFIN) && seg.isFlaggedAs(flagACK) {
					deadline.Stop()
					if _, err := c.transitionTo(evFinAckReceived); err != nil {
						c.logger.Debug().Err(err).Msg("unexpected FIN-ACK dropped")
						continue
					}
					c.logger.Debug().Msg("FIN-ACK received")
					c.logger.Info().Msg("connection closed")
					return c.teardown()
				}
				c.logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet while FIN_SENT, dropped")
			case <-deadline.C:
				break wait
			}
		}
	}
	c.forceClose()
	return ErrTeardownTimeout
}

func (c *Conn) forceClose() {
	_, _ = c.transitionTo(evForceClose)
	_ = c.teardown()
}

func (c *Conn) teardown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.channel.Close()
	})
	return err
}

// Dial opens a client connection to remoteAddr, performing the three-way
// handshake. The window size announced in the SYN comes from the config.
func Dial(remoteAddr string, config *Config) (*Conn, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	peer, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	channel, err := newUDPChannel(":0")
	if err != nil {
		return nil, err
	}
	conn, err := dialChannel(channel, peer, config)
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	return conn, nil
}

func dialChannel(channel datagramChannel, peer net.Addr, config *Config) (*Conn, error) {
	config = config.withDefaults()
	logger := log.With().Str("role", "client").Logger()
	state, _, err := transition(stateClosed, evConnect)
	if err != nil {
		return nil, err
	}
	syn := createFlaggedSegment(flagSYN, config.WindowSize)
	logger.Info().Uint16("window", config.WindowSize).Msg("connection establishment started")
	for attempt := 0; attempt < config.MaxRetries; attempt++ {
		if err := channel.Send(syn.encode(), peer); err != nil {
			return nil, err
		}
		if attempt == 0 {
			logger.Debug().Msg("SYN sent")
		} else {
			logger.Debug().Int("attempt", attempt+1).Msg("retransmitting SYN")
		}
		// the SYN goes out again only when the deadline passes with no
		// SYN-ACK; stray packets do not burn the retry
		deadline := time.Now().Add(config.RetransmissionTimeout)
		for remaining := config.RetransmissionTimeout; remaining > 0; remaining = time.Until(deadline) {
			data, from, err := channel.Receive(remaining)
			if errors.Is(err, errReceiveTimeout) {
				break
			}
			if err != nil {
				return nil, err
			}
			seg, perr := parseSegment(data)
			if perr != nil {
				logger.Debug().Err(perr).Msg("malformed packet dropped")
				continue
			}
			if !seg.isFlaggedAs(flagSYN) || !seg.isFlaggedAs(flagACK) {
				logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet while SYN_SENT, dropped")
				continue
			}
			logger.Debug().Msg("SYN-ACK received")
			state, action, terr := transition(state, evSynAckReceived)
			if terr != nil {
				return nil, terr
			}
			if action == actSendAck {
				ack := createFlaggedSegment(flagACK, config.WindowSize)
				if err := channel.Send(ack.encode(), from); err != nil {
					return nil, err
				}
				logger.Debug().Msg("ACK sent")
			}
			logger.Info().Stringer("peer", from).Msg("connection established")
			conn := newConn(channel, from, config, seg.windowSize, state, logger)
			conn.startPump(nil)
			return conn, nil
		}
		logger.Debug().Msg("no SYN-ACK before timeout")
	}
	return nil, ErrHandshakeTimeout
}

// Listener waits for one incoming DRTP connection on a bound datagram
// channel. The accepted connection takes ownership of the channel, so a
// listener serves one connection at a time.
type Listener struct {
	channel datagramChannel
	config  *Config
	state   connState
	logger  zerolog.Logger
}

// Listen binds a UDP socket on localAddr and returns a listener ready to
// accept a connection.
func Listen(localAddr string, config *Config) (*Listener, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	channel, err := newUDPChannel(localAddr)
	if err != nil {
		return nil, err
	}
	return newListener(channel, config), nil
}

func newListener(channel datagramChannel, config *Config) *Listener {
	state, _, _ := transition(stateClosed, evListen)
	return &Listener{
		channel: channel,
		config:  config.withDefaults(),
		state:   state,
		logger:  log.With().Str("role", "server").Logger(),
	}
}

func (l *Listener) Addr() net.Addr { return l.channel.LocalAddr() }

func (l *Listener) Close() error { return l.channel.Close() }

// Accept blocks until a client completes the three-way handshake. The SYN's
// advertised window is adopted unchanged and echoed in the SYN-ACK.
func (l *Listener) Accept() (*Conn, error) {
	var syn *segment
	var peer net.Addr
	for syn == nil {
		data, from, err := l.channel.Receive(0)
		if err != nil {
			if errors.Is(err, errReceiveTimeout) {
				continue
			}
			return nil, err
		}
		seg, perr := parseSegment(data)
		if perr != nil {
			l.logger.Debug().Err(perr).Msg("malformed packet dropped")
			continue
		}
		if !seg.isFlaggedAs(flagSYN) || seg.isFlaggedAs(flagACK) {
			l.logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet while LISTEN, dropped")
			continue
		}
		syn, peer = seg, from
	}
	l.logger.Info().Stringer("peer", peer).Uint16("window", syn.windowSize).Msg("SYN received")

	state, action, err := transition(l.state, evSynReceived)
	if err != nil {
		return nil, err
	}
	synAck := createFlaggedSegment(flagSYN|flagACK, syn.windowSize)
	var stash *segment
	established := false
	for attempt := 0; attempt < l.config.MaxRetries && !established; attempt++ {
		if action == actSendSynAck {
			if err := l.channel.Send(synAck.encode(), peer); err != nil {
				return nil, err
			}
			if attempt == 0 {
				l.logger.Debug().Msg("SYN-ACK sent")
			} else {
				l.logger.Debug().Int("attempt", attempt+1).Msg("retransmitting SYN-ACK")
			}
		}
		// strays and malformed packets keep the wait going; only a
		// handshake event or the deadline ends it
		deadline := time.Now().Add(l.config.RetransmissionTimeout)
	wait:
		for remaining := l.config.RetransmissionTimeout; remaining > 0; remaining = time.Until(deadline) {
			data, from, rerr := l.channel.Receive(remaining)
			if errors.Is(rerr, errReceiveTimeout) {
				break
			}
			if rerr != nil {
				return nil, rerr
			}
			if from.String() != peer.String() {
				l.logger.Debug().Stringer("from", from).Msg("datagram from unknown peer dropped")
				continue
			}
			seg, perr := parseSegment(data)
			if perr != nil {
				l.logger.Debug().Err(perr).Msg("malformed packet dropped")
				continue
			}
			switch {
			case seg.isData():
				// the handshake ACK was lost but data is already flowing
				state, action, err = transition(state, evDataReceived)
				stash = seg
				established = true
			case seg.isFlaggedAs(flagSYN) && !seg.isFlaggedAs(flagACK):
				// our SYN-ACK was lost; the client repeated its SYN
				state, action, err = transition(state, evSynReceived)
			case seg.isFlaggedAs(flagACK) && !seg.isFlaggedAs(flagFIN):
				l.logger.Debug().Msg("ACK received")
				state, action, err = transition(state, evAckReceived)
				established = true
			default:
				l.logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet while SYN_RECEIVED, dropped")
				continue
			}
			if err != nil {
				return nil, err
			}
			break wait
		}
	}
	if !established {
		return nil, ErrHandshakeTimeout
	}
	l.logger.Info().Stringer("peer", peer).Msg("connection established")
	conn := newConn(l.channel, peer, l.config, syn.windowSize, state, l.logger)
	conn.startPump(stash)
	return conn, nil
}
