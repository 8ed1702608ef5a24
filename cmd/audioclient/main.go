// Command audioclient streams a WAV file into one channel of a running
// session over the HTTP API, in real time.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"duplex-transcription-service/internal/service/audio"
)

// 100 ms of mono PCM16 at 24 kHz.
const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "testdata/sample-24khz.wav", "Path to WAV file (24kHz 16-bit mono)")
	server := flag.String("server", "http://localhost:8080", "HTTP API base URL")
	channel := flag.String("channel", "local", "Channel to feed: local or remote")
	language := flag.String("language", "en-US", "Session language")
	start := flag.Bool("start", true, "Open a session before streaming")
	stop := flag.Bool("stop", true, "Close the session after streaming")
	flag.Parse()

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio file: %v", err)
	}

	h, err := audio.ParseWAVHeader(data)
	if err != nil {
		log.Fatalf("Failed to parse WAV header: %v", err)
	}
	log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d dataBytes=%d",
		h.Format.Channels, h.Format.SampleRate, h.Format.BitsPerSample, h.DataSize)

	pcm := data[audio.WAVHeaderSize:]
	if h.Format.Channels == 2 {
		pcm = audio.Downmix(pcm)
	}
	if h.Format.SampleRate != audio.CaptureSampleRate {
		log.Printf("Warning: sample rate is %d Hz, expected %d Hz", h.Format.SampleRate, audio.CaptureSampleRate)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	base := strings.TrimRight(*server, "/")

	if *start {
		body, _ := json.Marshal(map[string]string{"language": *language})
		resp, err := client.Post(base+"/v1/session", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("Failed to open session: %v", err)
		}
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			log.Fatalf("Open session: %s: %s", resp.Status, msg)
		}
		log.Printf("Session opened: %s", strings.TrimSpace(string(msg)))
	}

	chunkSize := int(h.Format.SampleRate) * 2 * int(chunkInterval/time.Millisecond) / 1000
	mime := fmt.Sprintf("audio/pcm;rate=%d", h.Format.SampleRate)
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	sent := 0
	for off := 0; off < len(pcm); off += chunkSize {
		end := min(off+chunkSize, len(pcm))
		resp, err := client.Post(base+"/v1/audio/"+*channel, mime, bytes.NewReader(pcm[off:end]))
		if err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			log.Fatalf("Send chunk: %s", resp.Status)
		}
		sent++
		<-ticker.C
	}
	log.Printf("Sent %d chunks (%d bytes) to %s", sent, len(pcm), *channel)

	if *stop {
		req, _ := http.NewRequest(http.MethodDelete, base+"/v1/session", nil)
		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("Failed to close session: %v", err)
		}
		resp.Body.Close()
		log.Printf("Session closed: %s", resp.Status)
	}
}
