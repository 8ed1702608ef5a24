// Package audio handles PCM framing, downmix, WAV encapsulation and the
// batch accumulation window used by batch-only transcription backends.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical PCM WAV header.
const WAVHeaderSize = 44

// Format describes raw little-endian PCM samples.
type Format struct {
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// MonoPCM24k is the format submitted to batch transcription backends.
var MonoPCM24k = Format{Channels: 1, SampleRate: 24000, BitsPerSample: 16}

// ByteRate returns bytes per second for the format.
func (f Format) ByteRate() uint32 {
	return f.SampleRate * uint32(f.Channels) * uint32(f.BitsPerSample) / 8
}

// BlockAlign returns bytes per sample frame.
func (f Format) BlockAlign() uint16 {
	return f.Channels * f.BitsPerSample / 8
}

// wavHeader is the on-disk layout of the 44-byte canonical header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data size
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// Header is the decoded subset of a WAV header.
type Header struct {
	Format   Format
	DataSize uint32
}

var (
	ErrShortWAV      = errors.New("wav data shorter than header")
	ErrNotRIFF       = errors.New("invalid wav: missing RIFF/WAVE")
	ErrNotPCM        = errors.New("invalid wav: not PCM")
	ErrMissingChunks = errors.New("invalid wav: missing fmt or data chunk")
)

// EncodeWAV wraps raw PCM bytes into a self-contained WAV buffer with a
// canonical 44-byte header and no extension chunks.
func EncodeWAV(pcm []byte, f Format) []byte {
	dataSize := uint32(len(pcm))
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   f.Channels,
		SampleRate:    f.SampleRate,
		ByteRate:      f.ByteRate(),
		BlockAlign:    f.BlockAlign(),
		BitsPerSample: f.BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	// Writes into a bytes.Buffer of a fixed-size struct cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, header)
	buf.Write(pcm)
	return buf.Bytes()
}

// ParseWAVHeader decodes the canonical header at the start of data.
func ParseWAVHeader(data []byte) (Header, error) {
	if len(data) < WAVHeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, got %d", ErrShortWAV, WAVHeaderSize, len(data))
	}

	var h wavHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return Header{}, ErrNotRIFF
	}
	if string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data" {
		return Header{}, ErrMissingChunks
	}
	if h.AudioFormat != 1 {
		return Header{}, fmt.Errorf("%w: format tag %d", ErrNotPCM, h.AudioFormat)
	}

	return Header{
		Format: Format{
			Channels:      h.NumChannels,
			SampleRate:    h.SampleRate,
			BitsPerSample: h.BitsPerSample,
		},
		DataSize: h.Subchunk2Size,
	}, nil
}
