package rooms

import (
	"sync"
	"time"

	"github.com/cortexuvula/dashsync/internal/protocol"
)

// DefaultTypingIdle is how long input may stay unchanged before a stop
// intent is sent.
const DefaultTypingIdle = 3 * time.Second

// Typing turns composer input into edge-triggered typing intents for one
// room: a start when the input becomes non-empty, a stop when it becomes
// empty again or sits idle. Keystrokes in between emit nothing.
type Typing struct {
	em   Emitter
	room protocol.Room
	idle time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
	gen    uint64
}

// NewTyping creates a typing tracker for room. idle <= 0 uses DefaultTypingIdle.
func NewTyping(em Emitter, room protocol.Room, idle time.Duration) *Typing {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typing{em: em, room: room, idle: idle}
}

// Input records the current composer text.
func (t *Typing) Input(text string) {
	if text == "" {
		t.Stop()
		return
	}

	t.mu.Lock()
	start := !t.active
	t.active = true
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	t.mu.Unlock()

	if start {
		t.emit(true)
	}
}

// Stop ends the typing state, for example after the message was sent.
func (t *Typing) Stop() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasActive {
		t.emit(false)
	}
}

// Active reports whether a start intent is outstanding.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()
	t.emit(false)
}

func (t *Typing) emit(isTyping bool) {
	t.em.Emit(protocol.EventTyping, protocol.TypingIntent{
		Type:     t.room.Type,
		ID:       t.room.ID,
		IsTyping: isTyping,
	})
}
