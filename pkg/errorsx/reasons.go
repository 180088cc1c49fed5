package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Device errors are fatal to the current session and require the audio
	// source to be re-acquired externally.
	ReasonDeviceLost ReasonCode = "device_lost"

	ReasonSTTNetwork  ReasonCode = "stt_network"
	ReasonSTTService  ReasonCode = "stt_service"
	ReasonSTTPayload  ReasonCode = "stt_payload_too_large"
	ReasonSTTEncoding ReasonCode = "stt_encoding"

	ReasonChatNetwork ReasonCode = "chat_network"
	ReasonChatService ReasonCode = "chat_service"
	ReasonChatStream  ReasonCode = "chat_stream"

	ReasonTTSNetwork  ReasonCode = "tts_network"
	ReasonTTSService  ReasonCode = "tts_service"
	ReasonTTSPlayback ReasonCode = "tts_playback"

	// ReasonCancelled marks the expected outcome of a barge-in interrupt.
	// It is never reported to the user as a failure.
	ReasonCancelled ReasonCode = "cancelled"
)

// retryable reasons correspond to transient connectivity failures. Service
// errors (well-formed remote failures) and local precondition failures are
// surfaced immediately instead.
var retryableReasons = map[ReasonCode]bool{
	ReasonSTTNetwork:  true,
	ReasonChatNetwork: true,
	ReasonTTSNetwork:  true,
}

// IsRetryable reports whether err carries a transient network reason.
func IsRetryable(err error) bool {
	return retryableReasons[Reason(err)]
}

// IsCancelled reports whether err is the expected result of an interrupt.
func IsCancelled(err error) bool {
	return HasReason(err, ReasonCancelled)
}

// IsDevice reports whether err is a fatal audio-device failure.
func IsDevice(err error) bool {
	return HasReason(err, ReasonDeviceLost)
}
