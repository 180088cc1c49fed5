package recorder

// Encoder turns the raw PCM of one utterance into a transportable clip.
type Encoder interface {
	// MIME declares the encoded clip's media type.
	MIME() string
	// Available probes whether the encoder can be used in this process.
	Available() bool
	// Encode produces the clip bytes.
	Encode(pcm []byte) ([]byte, error)
}

// WAVEncoder is the container-default fallback: always available, wraps PCM
// in a RIFF/WAVE header without compression.
type WAVEncoder struct {
	SampleRate int
}

func (e WAVEncoder) MIME() string    { return "audio/wav" }
func (e WAVEncoder) Available() bool { return e.SampleRate > 0 }

func (e WAVEncoder) Encode(pcm []byte) ([]byte, error) {
	return encodeWAV(pcm, e.SampleRate)
}

// SelectEncoder walks a preference list (compressed codecs first by
// convention) and returns the first encoder whose capability probe passes,
// appending the WAV fallback so selection never comes up empty.
func SelectEncoder(sampleRate int, preferred ...Encoder) Encoder {
	for _, enc := range preferred {
		if enc != nil && enc.Available() {
			return enc
		}
	}
	return WAVEncoder{SampleRate: sampleRate}
}
