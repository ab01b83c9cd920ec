package tcp

// State is the connection's position in the TCP state machine.
// This stack implements the handshake states only as much as needed to
// reach Established — the interesting transitions begin there.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynRcvd:
		return "SynRcvd"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateCloseWait:
		return "CloseWait"
	case StateClosing:
		return "Closing"
	case StateLastAck:
		return "LastAck"
	case StateTimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}
