package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// messageReader is the part of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newReader(brokers []string, group string, topics ...string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
	})
}

// decodeMessage parses a transcript record. The publisher keys records by
// "session:channel"; the key fills in routing the body leaves out and wins
// when the two disagree.
func decodeMessage(msg kafka.Message) (TranscriptEvent, error) {
	var ev TranscriptEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode %s@%d: %w", msg.Topic, msg.Offset, err)
	}
	if session, channel, ok := strings.Cut(string(msg.Key), ":"); ok && session != "" {
		ev.SessionID = session
		ev.Channel = channel
	}
	return ev, nil
}

// consume feeds both transcript topics into the board until ctx ends.
func consume(ctx context.Context, r messageReader, board *Board) {
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("close kafka reader")
		}
	}()

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeMessage(msg)
		if err != nil {
			log.Warn().Err(err).Msg("skipping malformed transcript")
		} else if board.Apply(ev) {
			log.Debug().
				Str("session_id", ev.SessionID).
				Str("channel", ev.Channel).
				Str("turn_id", ev.TurnID).
				Bool("partial", ev.Partial).
				Msg("transcript applied")
		}

		if err := r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("kafka commit failed")
		}
	}
}
