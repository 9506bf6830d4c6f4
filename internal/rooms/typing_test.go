package rooms

import (
	"testing"
	"time"

	"github.com/cortexuvula/dashsync/internal/protocol"
)

func typingStates(events []emitted) []bool {
	var out []bool
	for _, e := range events {
		if in, ok := e.payload.(protocol.TypingIntent); ok {
			out = append(out, in.IsTyping)
		}
	}
	return out
}

func TestTypingIsEdgeTriggered(t *testing.T) {
	em := &fakeEmitter{connected: true}
	ty := NewTyping(em, group("42"), time.Hour)

	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		ty.Input(text)
	}
	ty.Input("")
	ty.Input("")

	got := typingStates(em.take())
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Errorf("typing intents = %v, want [true false]", got)
	}
	if ty.Active() {
		t.Error("typing should be inactive after empty input")
	}
}

func TestTypingStopsWhenIdle(t *testing.T) {
	em := &fakeEmitter{connected: true}
	ty := NewTyping(em, group("42"), 20*time.Millisecond)

	ty.Input("draft")
	deadline := time.Now().Add(time.Second)
	for ty.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	got := typingStates(em.take())
	if len(got) != 2 || got[1] != false {
		t.Errorf("typing intents = %v, want start then idle stop", got)
	}

	// Typing again after the idle stop is a new start.
	ty.Input("draft 2")
	if got := typingStates(em.take()); len(got) != 1 || got[0] != true {
		t.Errorf("typing intents = %v, want a new start", got)
	}
	ty.Stop()
}

func TestTypingStopWithoutStartIsSilent(t *testing.T) {
	em := &fakeEmitter{connected: true}
	ty := NewTyping(em, group("42"), 0)
	ty.Stop()
	if got := em.take(); len(got) != 0 {
		t.Errorf("emits = %v, want none", got)
	}
}
