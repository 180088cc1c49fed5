// Package turn coordinates one conversational turn end to end: utterance
// capture, transcription, answer streaming, and speech playback, including
// barge-in teardown of in-flight work.
package turn

// State is the coordinator's position in the turn lifecycle.
type State int

const (
	// StateListening means the system is idle and waiting for speech.
	StateListening State = iota
	// StateAwaitingUtterance means an utterance is being recorded.
	StateAwaitingUtterance
	// StateTranscribing means the clip is at the STT service.
	StateTranscribing
	// StateAwaitingAnswer means the answer stream is in flight.
	StateAwaitingAnswer
	// StateSpeaking means the answer is being played back.
	StateSpeaking
	// StateUnavailable is terminal: the audio device was lost and the
	// session needs external re-initialization.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateAwaitingUtterance:
		return "AWAITING_UTTERANCE"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateAwaitingAnswer:
		return "AWAITING_ANSWER"
	case StateSpeaking:
		return "SPEAKING"
	case StateUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}
