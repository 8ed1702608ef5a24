package audio

// Capture framing: 24000 Hz * 2 bytes/sample * 2 channels * 0.1 s.
const (
	CaptureSampleRate = 24000
	CaptureChannels   = 2
	CaptureChunkBytes = CaptureSampleRate * 2 * CaptureChannels / 10
)

// Downmix converts interleaved stereo 16-bit PCM to mono by keeping the left
// sample of each frame. A trailing partial frame is dropped.
func Downmix(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := range frames {
		mono[i*2] = stereo[i*4]
		mono[i*2+1] = stereo[i*4+1]
	}
	return mono
}
