package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out turn IDs that are unique for the process lifetime.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

// Next returns the next turn ID for a session channel, e.g. "ab12-local-turn-3".
func (g *Generator) Next(sessionID, channel string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-%s-turn-%d", sessionID, channel, n)
}
