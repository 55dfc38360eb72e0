package domain

// CallState is the lifecycle state of one client's call session.
// Keep values stable because they cross the client API boundary.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateCalling   CallState = "calling"
	CallStateIncoming  CallState = "incoming"
	CallStateConnected CallState = "connected"
)

// Ringing reports whether the state is waiting on a remote or local answer.
func (s CallState) Ringing() bool {
	return s == CallStateCalling || s == CallStateIncoming
}

// Busy reports whether an incoming call must be auto-rejected in this state.
func (s CallState) Busy() bool {
	return s != CallStateIdle
}
