// Package wsstream is the websocket transport shared by realtime STT
// providers: one writer goroutine drains a bounded send queue, one reader
// goroutine decodes inbound frames into stt.Message values.
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"duplex-transcription-service/internal/service/stt"
)

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 10 * time.Second
	closeGrace          = 2 * time.Second
)

var (
	ErrConnClosed = errors.New("realtime connection closed")
	ErrQueueFull  = errors.New("realtime send queue full")
)

// DecodeFunc translates one inbound frame into zero or more messages.
type DecodeFunc func(data []byte) ([]stt.Message, error)

// Config configures a connection.
type Config struct {
	URL          string
	Header       http.Header
	SendQueue    int
	WriteTimeout time.Duration
	Decode       DecodeFunc
	OnMessage    func(stt.Message)
	Logger       zerolog.Logger
}

// Conn is an open realtime connection.
type Conn struct {
	cfg  Config
	conn *websocket.Conn

	send       chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	closing    chan struct{}
}

// Dial connects, writes the setup frames in order and starts the pumps.
func Dial(ctx context.Context, cfg Config, setup ...any) (*Conn, error) {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}

	for _, msg := range setup {
		_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		if err := ws.WriteJSON(msg); err != nil {
			ws.Close()
			return nil, fmt.Errorf("write setup: %w", err)
		}
	}

	c := &Conn{
		cfg:        cfg,
		conn:       ws,
		send:       make(chan []byte, cfg.SendQueue),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		closing:    make(chan struct{}),
	}
	go c.writer()
	go c.reader()
	return c, nil
}

// SendJSON queues v for writing without blocking.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal realtime frame: %w", err)
	}
	select {
	case <-c.quit:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.quit:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// Close flushes queued frames, sends a close frame and waits for the reader
// to finish or ctx to expire. It is safe to call more than once.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		close(c.quit)
		<-c.writerDone

		deadline := time.Now().Add(closeGrace)
		werr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.cfg.Logger.Debug().Err(werr).Msg("close frame not sent")
		}

		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case <-c.readerDone:
		case <-timer.C:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := c.conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
		<-c.readerDone
	})
	return err
}

func (c *Conn) writer() {
	defer close(c.writerDone)
	for {
		select {
		case b := <-c.send:
			if !c.write(b) {
				return
			}
		case <-c.quit:
			// Drain what was queued before Close.
			for {
				select {
				case b := <-c.send:
					if !c.write(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("realtime write failed")
		return false
	}
	return true
}

func (c *Conn) reader() {
	defer close(c.readerDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.cfg.Logger.Info().Msg("provider closed realtime connection")
			} else {
				c.cfg.Logger.Warn().Err(err).Msg("realtime connection dropped")
			}
			c.deliver(stt.Message{Error: "connection closed: " + err.Error()})
			return
		}

		msgs, err := c.cfg.Decode(data)
		if err != nil {
			c.cfg.Logger.Debug().Err(err).Int("bytes", len(data)).Msg("undecodable realtime frame")
			continue
		}
		for _, m := range msgs {
			c.deliver(m)
		}
	}
}

func (c *Conn) deliver(m stt.Message) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(m)
	}
}
