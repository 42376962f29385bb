package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
)

const (
	formatPCM  uint16 = 1
	formatULaw uint16 = 7
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeWAV(&buf, pcm, sampleRate, formatPCM, 16); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWAVULaw wraps G.711 μ-law mono audio bytes in a WAV container. Telephony
// carriers expect 8 kHz μ-law for <Play> payloads.
func EncodeWAVULaw(ulaw []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeWAV(&buf, ulaw, sampleRate, formatULaw, 8); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeWAV(out io.Writer, data []byte, sampleRate int, audioFormat uint16, bitsPerSample int) error {
	const numChannels = 1
	if sampleRate <= 0 {
		sampleRate = 8000
	}

	dataSize := uint32(len(data))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, audioFormat); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}
