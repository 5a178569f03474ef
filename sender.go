package drtp

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// gbnSender holds the go-back-N window bookkeeping: base is the oldest
// unacknowledged sequence number, nextSeq the number assigned to the next
// new segment. One retransmission timer covers the whole window; it runs
// exactly while segments are outstanding.
type gbnSender struct {
	channel     datagramChannel
	peer        net.Addr
	base        uint32
	nextSeq     uint32
	windowSize  uint16
	outstanding *segmentQueue
	timer       *time.Timer
	rto         time.Duration
	logger      zerolog.Logger
}

func newGbnSender(channel datagramChannel, peer net.Addr, windowSize uint16, rto time.Duration, logger zerolog.Logger) *gbnSender {
	s := &gbnSender{
		channel:     channel,
		peer:        peer,
		base:        1,
		nextSeq:     1,
		windowSize:  windowSize,
		outstanding: newSegmentQueue(),
		timer:       time.NewTimer(rto),
		rto:         rto,
		logger:      logger,
	}
	s.stopTimer()
	return s
}

func (s *gbnSender) windowFull() bool {
	return seqDiff(s.nextSeq, s.base) >= int32(s.windowSize)
}

func (s *gbnSender) restartTimer() {
	s.stopTimer()
	s.timer.Reset(s.rto)
}

func (s *gbnSender) stopTimer() {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
}

// sendSegment stamps data with the next sequence number and transmits it.
// The retransmission timer starts when the window goes from empty to
// non-empty. Callers must check windowFull first.
func (s *gbnSender) sendSegment(data []byte) error {
	seg := createDataSegment(s.nextSeq, data)
	if err := s.channel.Send(seg.encode(), s.peer); err != nil {
		return err
	}
	wasEmpty := s.outstanding.IsEmpty()
	s.outstanding.Enqueue(seg)
	s.nextSeq++
	if wasEmpty {
		s.restartTimer()
	}
	s.logger.Debug().Uint32("seq", seg.seqNum).Uint32("base", s.base).Uint32("next", s.nextSeq).Msg("data segment sent")
	return nil
}

// handleAck applies a cumulative acknowledgment: everything with sequence
// number <= ackNum leaves the window. Stale ACKs below base and bogus ACKs
// at or beyond nextSeq are ignored; base never moves past nextSeq.
// Returns the number of payload bytes newly acknowledged.
func (s *gbnSender) handleAck(ackNum uint32) int {
	if seqDiff(ackNum, s.base) < 0 {
		s.logger.Debug().Uint32("ack", ackNum).Uint32("base", s.base).Msg("stale ACK ignored")
		return 0
	}
	if seqDiff(ackNum, s.nextSeq) >= 0 {
		s.logger.Debug().Uint32("ack", ackNum).Uint32("next", s.nextSeq).Msg("ACK beyond window ignored")
		return 0
	}
	acked := 0
	for !s.outstanding.IsEmpty() && seqDiff(s.outstanding.Peek().seqNum, ackNum) <= 0 {
		acked += len(s.outstanding.Dequeue().payload)
	}
	s.base = ackNum + 1
	if s.outstanding.IsEmpty() {
		s.stopTimer()
	} else {
		s.restartTimer()
	}
	s.logger.Debug().Uint32("ack", ackNum).Uint32("base", s.base).Msg("ACK received")
	return acked
}

// retransmitOutstanding resends every unacknowledged segment from base to
// nextSeq-1 in order and restarts the timer. Loss of one segment resends
// the whole in-flight window; that is the go-back-N discipline.
func (s *gbnSender) retransmitOutstanding() error {
	var sendErr error
	s.outstanding.Each(func(seg *segment) {
		if sendErr != nil {
			return
		}
		sendErr = s.channel.Send(seg.encode(), s.peer)
		s.logger.Debug().Uint32("seq", seg.seqNum).Msg("retransmitting data segment")
	})
	if sendErr != nil {
		return sendErr
	}
	s.restartTimer()
	return nil
}

// SendStream segments the byte stream from r and delivers it through the
// go-back-N window. It blocks while the window is full and returns once
// every segment has been acknowledged, with the total payload byte count.
// Mid-stream loss is retried indefinitely; only channel failures abort.
func (c *Conn) SendStream(r io.Reader) (int, error) {
	if state := c.currentState(); state != stateEstablished {
		return 0, fmt.Errorf("%w: send stream while %v", ErrProtocolViolation, state)
	}
	s := newGbnSender(c.channel, c.peer, c.windowSize, c.config.RetransmissionTimeout, c.logger)
	defer s.stopTimer()
	c.logger.Info().Uint16("window", s.windowSize).Msg("data transfer started")
	chunk := make([]byte, getDataChunkSize(c.config.MTU))
	total := 0
	eof := false
	for {
		for !eof && !s.windowFull() {
			n, err := r.Read(chunk)
			if n > 0 {
				if sendErr := s.sendSegment(chunk[:n]); sendErr != nil {
					return total, sendErr
				}
			}
			if err == io.EOF {
				eof = true
			} else if err != nil {
				return total, err
			}
		}
		if eof && s.outstanding.IsEmpty() {
			c.logger.Info().Int("bytes", total).Msg("data transfer finished")
			return total, nil
		}

		// Timer fires and ACKs arrive as events of one sequential loop, so
		// they cannot race: an ACK that drains or advances the window also
		// restarts or stops the timer before the next event is taken.
		select {
		case seg, ok := <-c.packets:
			if !ok {
				return total, ErrConnectionClosed
			}
			switch {
			case seg.isFlaggedAs(flagSYN) && seg.isFlaggedAs(flagACK):
				// the server repeated its SYN-ACK; our handshake ACK was lost
				if action, err := c.transitionTo(evSynReceived); err == nil && action == actSendAck {
					ack := createFlaggedSegment(flagACK, c.windowSize)
					if err := c.channel.Send(ack.encode(), c.peer); err != nil {
						return total, err
					}
					c.logger.Debug().Msg("handshake ACK retransmitted")
				}
			case seg.isFlaggedAs(flagACK) && !seg.isFlaggedAs(flagFIN):
				total += s.handleAck(seg.ackNum)
			default:
				c.logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet during send, dropped")
			}
		case <-s.timer.C:
			if s.outstanding.IsEmpty() {
				continue
			}
			c.logger.Debug().Uint32("base", s.base).Uint32("next", s.nextSeq).Int("outstanding", s.outstanding.Len()).Msg("retransmission timeout")
			if err := s.retransmitOutstanding(); err != nil {
				return total, err
			}
		}
	}
}
