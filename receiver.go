package drtp

import (
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"
)

// gbnReceiver enforces strict in-order delivery. expectedSeq is the only
// cursor: everything below it is fully delivered, everything at or above is
// undelivered or discarded. There is no reordering buffer.
type gbnReceiver struct {
	channel     datagramChannel
	peer        net.Addr
	expectedSeq uint32
	discardSeq  uint32
	discardUsed bool
	sink        io.Writer
	total       int
	logger      zerolog.Logger
}

// discardSeq of zero disables the test-loss hook; data sequence numbers
// start at one.
func newGbnReceiver(channel datagramChannel, peer net.Addr, discardSeq uint32, sink io.Writer, logger zerolog.Logger) *gbnReceiver {
	return &gbnReceiver{
		channel:     channel,
		peer:        peer,
		expectedSeq: 1,
		discardSeq:  discardSeq,
		discardUsed: discardSeq == 0,
		sink:        sink,
		logger:      logger,
	}
}

// handleData applies the in-order acceptance rule to one data segment. An
// in-order segment is delivered to the sink and acknowledged cumulatively;
// anything else is discarded and the last good cumulative ACK is repeated
// as a hint to the sender. The discard hook drops its segment exactly once
// with no ACK at all, simulating a lost packet.
func (r *gbnReceiver) handleData(seg *segment) error {
	if !r.discardUsed && seg.seqNum == r.discardSeq {
		r.discardUsed = true
		r.logger.Debug().Uint32("seq", seg.seqNum).Msg("discarding data segment once")
		return nil
	}
	if seg.seqNum != r.expectedSeq {
		r.logger.Debug().Uint32("seq", seg.seqNum).Uint32("expected", r.expectedSeq).Msg("out-of-order data segment discarded")
		return r.writeAck(r.expectedSeq - 1)
	}
	if _, err := r.sink.Write(seg.payload); err != nil {
		return err
	}
	r.total += len(seg.payload)
	r.expectedSeq++
	r.logger.Debug().Uint32("seq", seg.seqNum).Int("bytes", len(seg.payload)).Msg("data segment received")
	return r.writeAck(r.expectedSeq - 1)
}

func (r *gbnReceiver) writeAck(ackNum uint32) error {
	if err := r.channel.Send(createAckSegment(ackNum).encode(), r.peer); err != nil {
		return err
	}
	r.logger.Debug().Uint32("ack", ackNum).Msg("cumulative ACK sent")
	return nil
}

// ReceiveStream delivers the peer's byte stream to w in arrival order,
// discarding duplicates and out-of-order segments, until the peer's FIN
// arrives. It answers the FIN with a FIN-ACK and returns the total number
// of payload bytes written.
func (c *Conn) ReceiveStream(w io.Writer) (int, error) {
	if state := c.currentState(); state != stateEstablished {
		return 0, fmt.Errorf("%w: receive stream while %v", ErrProtocolViolation, state)
	}
	r := newGbnReceiver(c.channel, c.peer, c.config.DiscardSeq, w, c.logger)
	for {
		seg, ok := <-c.packets
		if !ok {
			return r.total, ErrConnectionClosed
		}
		switch {
		case seg.isData():
			if err := r.handleData(seg); err != nil {
				return r.total, err
			}
		case seg.isFlaggedAs(flagFIN) && !seg.isFlaggedAs(flagACK):
			action, err := c.transitionTo(evFinReceived)
			if err != nil {
				c.logger.Debug().Err(err).Msg("FIN dropped")
				continue
			}
			if action == actSendFinAck {
				finAck := createFlaggedSegment(flagFIN|flagACK, c.windowSize)
				if err := c.channel.Send(finAck.encode(), c.peer); err != nil {
					return r.total, err
				}
				c.logger.Debug().Msg("FIN-ACK sent")
			}
			c.logger.Info().Int("bytes", r.total).Msg("FIN received, end of stream")
			return r.total, nil
		case seg.isFlaggedAs(flagACK) && !seg.isFlaggedAs(flagSYN):
			// duplicate handshake ACK, nothing to do
		default:
			c.logger.Debug().Uint16("flags", seg.flags).Msg("unexpected packet during receive, dropped")
		}
	}
}
