package drtp

import "errors"

// ErrMalformedPacket is returned by the codec when a datagram is shorter
// than the fixed header or carries unknown flag bits. Malformed packets are
// dropped by the connection, never surfaced mid-stream.
var ErrMalformedPacket = errors.New("drtp: malformed packet")

// ErrHandshakeTimeout is returned by Dial and Accept when the peer does not
// complete the three-way handshake within the retry budget.
var ErrHandshakeTimeout = errors.New("drtp: handshake timed out")

// ErrTeardownTimeout is returned by Close when no acknowledgment for the FIN
// arrives within the retry budget. The connection is force-closed; the error
// reports the unclean shutdown rather than crashing the transfer.
var ErrTeardownTimeout = errors.New("drtp: teardown timed out")

// ErrProtocolViolation reports a packet whose flags are not valid for the
// connection's current state. Such packets are dropped and the connection
// continues.
var ErrProtocolViolation = errors.New("drtp: packet invalid for connection state")

// ErrConnectionClosed is returned by stream operations after the underlying
// datagram channel has been closed.
var ErrConnectionClosed = errors.New("drtp: connection closed")
