package session

// State is a streaming session's lifecycle stage.
type State int

const (
	StateAuthenticating State = iota
	StateAdmitting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAdmitting:
		return "admitting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons recorded in logs and metrics.
const (
	ReasonClientGone   = "client_disconnect"
	ReasonWriteError   = "write_error"
	ReasonMaxLifetime  = "max_lifetime"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)
