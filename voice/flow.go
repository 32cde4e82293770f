package voice

// FlowState tracks a voice call's progress from the first join request to
// an established media path. The two gating inputs, the client's own voice
// state and the server assignment, arrive in either order; GotVoiceState
// and GotVoiceServer hold whichever came first until both collapse into
// GotBoth.
type FlowState int

const (
	FlowDisconnected FlowState = iota
	FlowRequested              // join request sent on the control channel
	FlowGotVoiceState
	FlowGotVoiceServer
	FlowGotBoth
	FlowSocketConnected
	FlowSocketReady
	FlowIPDiscovered
	FlowConnected
)

func (s FlowState) String() string {
	switch s {
	case FlowDisconnected:
		return "disconnected"
	case FlowRequested:
		return "requested"
	case FlowGotVoiceState:
		return "got_voice_state"
	case FlowGotVoiceServer:
		return "got_voice_server"
	case FlowGotBoth:
		return "got_both"
	case FlowSocketConnected:
		return "socket_connected"
	case FlowSocketReady:
		return "socket_ready"
	case FlowIPDiscovered:
		return "ip_discovered"
	case FlowConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// advanceOnVoiceState returns the state after the client's own voice state
// has been observed, or s unchanged when the event is not a gating input in
// s.
func advanceOnVoiceState(s FlowState) FlowState {
	switch s {
	case FlowRequested:
		return FlowGotVoiceState
	case FlowGotVoiceServer:
		return FlowGotBoth
	default:
		return s
	}
}

// advanceOnVoiceServer is the server-assignment counterpart of
// advanceOnVoiceState.
func advanceOnVoiceServer(s FlowState) FlowState {
	switch s {
	case FlowRequested:
		return FlowGotVoiceServer
	case FlowGotVoiceState:
		return FlowGotBoth
	default:
		return s
	}
}
