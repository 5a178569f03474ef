package drtp

import "fmt"

// connState is the connection's position in the handshake/teardown
// lifecycle. The set is closed; all movement goes through transition.
type connState int

const (
	stateClosed connState = iota
	stateListen
	stateSynSent
	stateSynReceived
	stateEstablished
	stateFinSent
	stateFinReceived
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinSent:
		return "FIN_SENT"
	case stateFinReceived:
		return "FIN_RECEIVED"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

// connEvent is either an incoming packet classified by its flag set or a
// local operation on the connection.
type connEvent int

const (
	evConnect connEvent = iota // local: client begins handshake
	evListen                   // local: server starts listening
	evSendFin                  // local: EOF sender begins teardown
	evForceClose               // local: close after retry exhaustion or passive teardown
	evSynReceived
	evSynAckReceived
	evAckReceived
	evDataReceived // data while SYN_RECEIVED doubles as the lost handshake ACK
	evFinReceived
	evFinAckReceived
)

func (e connEvent) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evListen:
		return "listen"
	case evSendFin:
		return "send-fin"
	case evForceClose:
		return "force-close"
	case evSynReceived:
		return "syn"
	case evSynAckReceived:
		return "syn-ack"
	case evAckReceived:
		return "ack"
	case evDataReceived:
		return "data"
	case evFinReceived:
		return "fin"
	case evFinAckReceived:
		return "fin-ack"
	}
	return fmt.Sprintf("connEvent(%d)", int(e))
}

// connAction tells the caller which control packet the transition demands.
type connAction int

const (
	actNone connAction = iota
	actSendSyn
	actSendSynAck
	actSendAck
	actSendFin
	actSendFinAck
)

// transition is the pure (state, event) -> (state, action) function of the
// connection state machine. Events that are not valid in the current state
// yield ErrProtocolViolation; the caller drops the packet and keeps the
// connection alive.
func transition(state connState, event connEvent) (connState, connAction, error) {
	switch state {
	case stateClosed:
		switch event {
		case evConnect:
			return stateSynSent, actSendSyn, nil
		case evListen:
			return stateListen, actNone, nil
		}
	case stateListen:
		if event == evSynReceived {
			return stateSynReceived, actSendSynAck, nil
		}
	case stateSynSent:
		if event == evSynAckReceived {
			return stateEstablished, actSendAck, nil
		}
	case stateSynReceived:
		switch event {
		case evAckReceived, evDataReceived:
			return stateEstablished, actNone, nil
		case evSynReceived:
			// the SYN-ACK was lost and the client repeated its SYN
			return stateSynReceived, actSendSynAck, nil
		}
	case stateEstablished:
		switch event {
		case evSendFin:
			return stateFinSent, actSendFin, nil
		case evFinReceived:
			return stateFinReceived, actSendFinAck, nil
		case evSynReceived:
			// our handshake ACK was lost; repeat it
			return stateEstablished, actSendAck, nil
		}
	case stateFinSent:
		// only a FIN-ACK ends teardown; a stale cumulative data ACK must
		// not, or a lost FIN would pass for acknowledged
		if event == evFinAckReceived {
			return stateClosed, actNone, nil
		}
	case stateFinReceived:
		if event == evFinReceived {
			// the FIN-ACK was lost and the peer repeated its FIN
			return stateFinReceived, actSendFinAck, nil
		}
	}
	if event == evForceClose {
		return stateClosed, actNone, nil
	}
	return state, actNone, fmt.Errorf("%w: %v while %v", ErrProtocolViolation, event, state)
}
