package connection

// State is the connection lifecycle position.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}
