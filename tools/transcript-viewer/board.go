package main

import (
	"sort"
	"sync"
)

const (
	channelLocal  = "local"
	channelRemote = "remote"
	channelAll    = "all"

	// maxLinesPerChannel bounds the backlog replayed to new viewers.
	maxLinesPerChannel = 200
	subscriberBuffer   = 64
)

// TranscriptEvent is one transcript update for a session channel.
type TranscriptEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	TurnID    string `json:"turnId,omitempty"`
	Text      string `json:"text"`
	Partial   bool   `json:"partial"`
	Timestamp int64  `json:"timestamp"`
}

// Line is the current text of one turn on one channel. A partial line is
// replaced in place until its final arrives.
type Line struct {
	SessionID string `json:"sessionId"`
	Channel   string `json:"channel"`
	TurnID    string `json:"turnId"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
	Timestamp int64  `json:"timestamp"`
}

// Filter selects which lines a viewer receives.
type Filter struct {
	SessionID string
	Channel   string
}

func (f Filter) match(l Line) bool {
	if f.SessionID != "" && f.SessionID != l.SessionID {
		return false
	}
	return f.Channel == "" || f.Channel == channelAll || f.Channel == l.Channel
}

type channelKey struct {
	session string
	channel string
}

// column holds the ordered turns of one session channel.
type column struct {
	order []string
	lines map[string]*Line
}

func (c *column) upsert(l Line) (Line, bool) {
	if cur, ok := c.lines[l.TurnID]; ok {
		// A late partial never overwrites a final.
		if cur.Final && !l.Final {
			return *cur, false
		}
		*cur = l
		return l, true
	}
	c.lines[l.TurnID] = &l
	c.order = append(c.order, l.TurnID)
	if len(c.order) > maxLinesPerChannel {
		delete(c.lines, c.order[0])
		c.order = c.order[1:]
	}
	return l, true
}

// Subscriber receives lines matching its filter.
type Subscriber struct {
	filter Filter
	send   chan Line
}

// Lines is closed when the subscriber is removed.
func (s *Subscriber) Lines() <-chan Line { return s.send }

// Board keeps the latest line per turn for every session channel and fans
// changes out to subscribers.
type Board struct {
	mu      sync.Mutex
	columns map[channelKey]*column
	subs    map[*Subscriber]struct{}
	dropped int
}

func newBoard() *Board {
	return &Board{
		columns: make(map[channelKey]*column),
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Apply records ev and notifies matching subscribers. Events for unknown
// channels are ignored.
func (b *Board) Apply(ev TranscriptEvent) bool {
	if ev.Channel != channelLocal && ev.Channel != channelRemote {
		return false
	}
	if ev.SessionID == "" || ev.TurnID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := channelKey{session: ev.SessionID, channel: ev.Channel}
	col, ok := b.columns[key]
	if !ok {
		col = &column{lines: make(map[string]*Line)}
		b.columns[key] = col
	}
	line, changed := col.upsert(Line{
		SessionID: ev.SessionID,
		Channel:   ev.Channel,
		TurnID:    ev.TurnID,
		Text:      ev.Text,
		Final:     !ev.Partial,
		Timestamp: ev.Timestamp,
	})
	if !changed {
		return false
	}
	for sub := range b.subs {
		if !sub.filter.match(line) {
			continue
		}
		select {
		case sub.send <- line:
		default:
			// Slow viewers lose the update; the next one for the turn replaces it.
			b.dropped++
		}
	}
	return true
}

// Subscribe registers a viewer and returns the backlog matching f, oldest
// first within each channel.
func (b *Board) Subscribe(f Filter) (*Subscriber, []Line) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{filter: f, send: make(chan Line, subscriberBuffer)}
	b.subs[sub] = struct{}{}

	keys := make([]channelKey, 0, len(b.columns))
	for k := range b.columns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].session != keys[j].session {
			return keys[i].session < keys[j].session
		}
		return keys[i].channel < keys[j].channel
	})

	var backlog []Line
	for _, k := range keys {
		col := b.columns[k]
		for _, id := range col.order {
			if l := col.lines[id]; f.match(*l) {
				backlog = append(backlog, *l)
			}
		}
	}
	return sub, backlog
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Board) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.send)
	}
}

// Sessions lists known session IDs.
func (b *Board) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range b.columns {
		if _, ok := seen[k.session]; !ok {
			seen[k.session] = struct{}{}
			out = append(out, k.session)
		}
	}
	sort.Strings(out)
	return out
}
