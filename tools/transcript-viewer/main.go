// Transcript Viewer shows both channels of a conversation side by side.
// It keeps the latest text of every turn per session channel, fed from the
// transcript topics, and streams changes to browsers over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed static/*
var staticFiles embed.FS

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{SessionID: q.Get("session"), Channel: q.Get("channel")}
	switch f.Channel {
	case "", channelAll, channelLocal, channelRemote:
		return f, nil
	default:
		return f, fmt.Errorf("unknown channel %q", f.Channel)
	}
}

func wsHandler(board *Board) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		sub, backlog := board.Subscribe(filter)
		log.Info().Str("session_id", filter.SessionID).Str("channel", filter.Channel).Msg("viewer connected")

		go func() {
			defer board.Unsubscribe(sub)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer conn.Close()
		for _, l := range backlog {
			if err := writeLine(conn, l); err != nil {
				board.Unsubscribe(sub)
				return
			}
		}
		for l := range sub.Lines() {
			if err := writeLine(conn, l); err != nil {
				board.Unsubscribe(sub)
				break
			}
		}
		log.Info().Str("session_id", filter.SessionID).Msg("viewer disconnected")
	}
}

func writeLine(conn *websocket.Conn, l Line) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(l)
}

func sessionsHandler(board *Board) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(board.Sessions())
	}
}

func newMux(board *Board) http.Handler {
	staticFS, _ := fs.Sub(staticFiles, "static")
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", wsHandler(board))
	mux.HandleFunc("/sessions", sessionsHandler(board))
	return mux
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	group := flag.String("group", fmt.Sprintf("transcript-viewer-%d", os.Getpid()), "Kafka consumer group")
	topicPartial := flag.String("topic-partial", "conversation.transcript.partial", "Partial transcript topic")
	topicFinal := flag.String("topic-final", "conversation.transcript.final", "Final transcript topic")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	board := newBoard()
	reader := newReader(strings.Split(*brokers, ","), *group, *topicPartial, *topicFinal)
	go consume(ctx, reader, board)

	srv := &http.Server{Addr: ":" + *port, Handler: newMux(board), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", "http://localhost:"+*port).
		Str("brokers", *brokers).
		Strs("topics", []string{*topicPartial, *topicFinal}).
		Msg("transcript viewer starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server error")
	}
}
