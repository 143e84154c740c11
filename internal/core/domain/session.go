package domain

type Role int

const (
	RoleOfferer Role = iota + 1
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "unknown"
	}
}

// State of a negotiation session. Both roles walk Idle, LocalDescriptionReady,
// then AwaitingAnswer (offerer) or AwaitingNothing (answerer), then
// RemoteDescriptionApplied and Connected. States only move forward in
// declaration order. Failed is terminal and reachable from anywhere.
type State int

const (
	StateIdle State = iota
	StateLocalDescriptionReady
	StateAwaitingAnswer
	StateAwaitingNothing
	StateRemoteDescriptionApplied
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalDescriptionReady:
		return "local-description-ready"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAwaitingNothing:
		return "awaiting-nothing"
	case StateRemoteDescriptionApplied:
		return "remote-description-applied"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateFailed
}

type ConnectivityState string

const (
	ConnectivityNew          ConnectivityState = "new"
	ConnectivityConnecting   ConnectivityState = "connecting"
	ConnectivityConnected    ConnectivityState = "connected"
	ConnectivityDisconnected ConnectivityState = "disconnected"
	ConnectivityFailed       ConnectivityState = "failed"
	ConnectivityClosed       ConnectivityState = "closed"
)
