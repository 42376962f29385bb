package audio

import "github.com/zaf/g711"

// DownsamplePCM16 halves the sample rate of PCM16LE mono audio by dropping every
// other frame. Good enough for 16 kHz synth output feeding an 8 kHz phone line.
func DownsamplePCM16(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+3 < len(pcm); i += 4 {
		out = append(out, pcm[i], pcm[i+1])
	}
	return out
}

// TranscodePCM16ToULawWAV converts PCM16LE mono audio at sampleRate into a
// carrier-playable 8 kHz μ-law WAV.
func TranscodePCM16ToULawWAV(pcm []byte, sampleRate int) ([]byte, error) {
	for sampleRate > 8000 {
		pcm = DownsamplePCM16(pcm)
		sampleRate /= 2
	}
	return EncodeWAVULaw(g711.EncodeUlaw(pcm), sampleRate)
}
