package drtp

import (
	"encoding/binary"
	"fmt"
)

// segment is one DRTP packet: a fixed 12-byte header followed by up to
// getDataChunkSize() payload bytes. Header layout, network byte order:
// seqNum u32, ackNum u32, flags u16, windowSize u16. Data segments carry no
// flags; pure control segments carry no payload.
type segment struct {
	seqNum     uint32
	ackNum     uint32
	flags      uint16
	windowSize uint16
	payload    []byte
}

func getDataChunkSize(mtu int) int {
	return mtu - headerLength
}

func isFlaggedAs(flags uint16, flag uint16) bool {
	return flags&flag == flag
}

func (seg *segment) isFlaggedAs(flag uint16) bool {
	return isFlaggedAs(seg.flags, flag)
}

func (seg *segment) isData() bool {
	return seg.flags == 0
}

func (seg *segment) encode() []byte {
	buffer := make([]byte, headerLength+len(seg.payload))
	binary.BigEndian.PutUint32(buffer[seqNumPosition.Start:seqNumPosition.End], seg.seqNum)
	binary.BigEndian.PutUint32(buffer[ackNumPosition.Start:ackNumPosition.End], seg.ackNum)
	binary.BigEndian.PutUint16(buffer[flagPosition.Start:flagPosition.End], seg.flags)
	binary.BigEndian.PutUint16(buffer[windowPosition.Start:windowPosition.End], seg.windowSize)
	copy(buffer[headerLength:], seg.payload)
	return buffer
}

func parseSegment(buffer []byte) (*segment, error) {
	if len(buffer) < headerLength {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedPacket, len(buffer), headerLength)
	}
	flags := binary.BigEndian.Uint16(buffer[flagPosition.Start:flagPosition.End])
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flag bits %#x", ErrMalformedPacket, flags&^knownFlags)
	}
	if isFlaggedAs(flags, flagSYN) && isFlaggedAs(flags, flagFIN) {
		return nil, fmt.Errorf("%w: SYN and FIN combined", ErrMalformedPacket)
	}
	var payload []byte
	if len(buffer) > headerLength {
		payload = buffer[headerLength:]
	}
	return &segment{
		seqNum:     binary.BigEndian.Uint32(buffer[seqNumPosition.Start:seqNumPosition.End]),
		ackNum:     binary.BigEndian.Uint32(buffer[ackNumPosition.Start:ackNumPosition.End]),
		flags:      flags,
		windowSize: binary.BigEndian.Uint16(buffer[windowPosition.Start:windowPosition.End]),
		payload:    payload,
	}, nil
}

// createDataSegment copies data so callers may reuse their chunk buffer
// while the segment sits in the retransmission queue.
func createDataSegment(sequenceNumber uint32, data []byte) *segment {
	payload := make([]byte, len(data))
	copy(payload, data)
	return &segment{seqNum: sequenceNumber, payload: payload}
}

func createFlaggedSegment(flags uint16, windowSize uint16) *segment {
	return &segment{flags: flags, windowSize: windowSize}
}

// createAckSegment acknowledges every data segment with sequence number
// less than or equal to receivedSequenceNumber.
func createAckSegment(receivedSequenceNumber uint32) *segment {
	return &segment{ackNum: receivedSequenceNumber, flags: flagACK}
}

// seqDiff compares two sequence numbers under 32-bit wraparound. The result
// is positive if a is ahead of b, negative if behind, zero if equal.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}
