// Command testclient tails the service's event stream and prints transcripts.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"

	"duplex-transcription-service/internal/models"
)

type envelope struct {
	EventType string `json:"eventType"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/v1/events", "Events WebSocket URL")
	metering := flag.Bool("metering", false, "Print capture metering events")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *url)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Stream ended: %v", err)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("Bad event: %v", err)
			continue
		}

		switch env.EventType {
		case models.EventTranscriptPartial, models.EventTranscriptFinal:
			var ev models.TranscriptEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			kind := "partial"
			if !ev.Partial {
				kind = "FINAL  "
			}
			log.Printf("[%s] %-6s %s  (%s)", kind, ev.Channel, ev.Text, ev.TurnID)
		case models.EventStatus:
			var st models.StatusUpdate
			if err := json.Unmarshal(raw, &st); err == nil {
				log.Printf("[status ] %s", st.Message)
			}
		case models.EventCaptureAudio:
			if *metering {
				log.Printf("[capture] %d bytes base64", len(raw))
			}
		}
	}
}
