package drtp

import "time"

const (
	flagSYN uint16 = 1 << 0
	flagACK uint16 = 1 << 1
	flagFIN uint16 = 1 << 2
	flagRST uint16 = 1 << 3 // reserved, never sent

	knownFlags = flagSYN | flagACK | flagFIN | flagRST
)

const headerLength = 12

// maxDatagramSize bounds one UDP read. Receiving is independent of the
// local MTU so a peer configured with a larger MTU is never truncated.
const maxDatagramSize = 65535

type position struct {
	Start int
	End   int
}

var seqNumPosition = position{0, 4}
var ackNumPosition = position{4, 8}
var flagPosition = position{8, 10}
var windowPosition = position{10, 12}

const (
	defaultMTU                   = 1012
	defaultWindowSize            = 3
	defaultRetransmissionTimeout = 400 * time.Millisecond
	defaultMaxRetries            = 5
)
