package audio

import (
	"encoding/binary"
	"testing"
)

func TestDownmix_KeepsLeftChannel(t *testing.T) {
	const frames = 7
	stereo := make([]byte, frames*4)
	for i := range frames {
		binary.LittleEndian.PutUint16(stereo[i*4:], uint16(int16(i*100-300)))
		binary.LittleEndian.PutUint16(stereo[i*4+2:], uint16(0x7fff))
	}

	mono := Downmix(stereo)
	if len(mono) != frames*2 {
		t.Fatalf("expected %d bytes, got %d", frames*2, len(mono))
	}
	for i := range frames {
		got := int16(binary.LittleEndian.Uint16(mono[i*2:]))
		want := int16(i*100 - 300)
		if got != want {
			t.Errorf("frame %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestDownmix_DropsPartialFrame(t *testing.T) {
	if got := len(Downmix(make([]byte, 9))); got != 4 {
		t.Errorf("expected 4 bytes from 2 whole frames, got %d", got)
	}
	if got := len(Downmix(nil)); got != 0 {
		t.Errorf("expected empty output, got %d bytes", got)
	}
}

func TestCaptureChunkBytes(t *testing.T) {
	if CaptureChunkBytes != 9600 {
		t.Errorf("expected 9600-byte capture chunks, got %d", CaptureChunkBytes)
	}
}
