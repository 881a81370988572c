package stream

// State is the controller's position in its fragment lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateIdle
	StateWaitingTrack
	StateWaitingInitPTS
	StateFragLoading
	StateFragLoadingWaitingRetry
	StateKeyLoading
	StateParsing
	StateParsed
	StateBufferFlushing
	StateEnded
	StateError
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateIdle:
		return "IDLE"
	case StateWaitingTrack:
		return "WAITING_TRACK"
	case StateWaitingInitPTS:
		return "WAITING_INIT_PTS"
	case StateFragLoading:
		return "FRAG_LOADING"
	case StateFragLoadingWaitingRetry:
		return "FRAG_LOADING_WAITING_RETRY"
	case StateKeyLoading:
		return "KEY_LOADING"
	case StateParsing:
		return "PARSING"
	case StateParsed:
		return "PARSED"
	case StateBufferFlushing:
		return "BUFFER_FLUSHING"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}
