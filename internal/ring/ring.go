// Package ring keeps the last few formatted messages of every channel in
// memory. Nothing is persisted; contents are lost on restart.
package ring

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// Capacity is the per-channel message limit.
	Capacity = 10

	previewMax  = 180
	previewKeep = 177
)

// Ring is a set of per-channel FIFO buffers. The number of tracked channels
// is bounded; the least recently written channel is forgotten first.
type Ring struct {
	mu       sync.Mutex
	channels *lru.Cache[string, *buffer]
}

type buffer struct {
	lines [Capacity]string
	start int
	size  int
}

func (b *buffer) push(line string) {
	if b.size < Capacity {
		b.lines[(b.start+b.size)%Capacity] = line
		b.size++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % Capacity
}

func (b *buffer) snapshot() []string {
	out := make([]string, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.lines[(b.start+i)%Capacity]
	}
	return out
}

// New tracks at most maxChannels channels.
func New(maxChannels int) (*Ring, error) {
	cache, err := lru.New[string, *buffer](maxChannels)
	if err != nil {
		return nil, err
	}
	return &Ring{channels: cache}, nil
}

// Append adds a line to a channel, evicting its oldest line when full.
func (r *Ring) Append(channelID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.channels.Get(channelID)
	if !ok {
		b = &buffer{}
		r.channels.Add(channelID, b)
	}
	b.push(line)
}

// Read returns a copy of a channel's lines, oldest first.
func (r *Ring) Read(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.channels.Peek(channelID)
	if !ok {
		return nil
	}
	return b.snapshot()
}

// Len reports how many channels are tracked.
func (r *Ring) Len() int {
	return r.channels.Len()
}

// FormatLine renders an inbound message as a ring entry: "<name>: <preview>".
// Newlines are flattened and long content is shortened with an ellipsis.
func FormatLine(displayName, content string) string {
	return displayName + ": " + Preview(content)
}

func Preview(content string) string {
	p := strings.TrimSpace(strings.ReplaceAll(content, "\n", " "))
	r := []rune(p)
	if len(r) > previewMax {
		return string(r[:previewKeep]) + "..."
	}
	return p
}
