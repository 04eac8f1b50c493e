package events

import (
	"sync"
	"testing"
	"time"
)

func drain(s *Stream) []Event {
	var out []Event
	for e := range s.Events() {
		out = append(out, e)
	}
	return out
}

func TestStreamOrderingAndSequence(t *testing.T) {
	s := NewStream("sess-1")

	s.Status("planning")
	s.SourcesFound("topic a", []string{"https://a.example"})
	s.TopicComplete("topic a", "", "- learned a thing", 1, 3)
	s.Done("# report", 5, time.Second)

	got := drain(s)
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}

	wantTypes := []Type{TypeStatus, TypeSourcesFound, TypeTopicComplete, TypeDone}
	for i, e := range got {
		if e.Type != wantTypes[i] {
			t.Errorf("event[%d].Type = %s, want %s", i, e.Type, wantTypes[i])
		}
		if e.Sequence != uint64(i+1) {
			t.Errorf("event[%d].Sequence = %d, want %d", i, e.Sequence, i+1)
		}
		if e.SessionID != "sess-1" {
			t.Errorf("event[%d].SessionID = %q", i, e.SessionID)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event[%d] has zero timestamp", i)
		}
	}
}

func TestStreamExactlyOneTerminal(t *testing.T) {
	s := NewStream("sess-1")

	s.Fail("SynthesisFailed", "final model returned nothing")
	// Late emits after the terminal event must be dropped, not panic.
	s.Status("should be dropped")
	s.Done("late", 0, 0)

	got := drain(s)
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Type != TypeError || got[0].Error.Kind != "SynthesisFailed" {
		t.Errorf("terminal = %+v", got[0])
	}
	if !s.Closed() {
		t.Error("stream should report closed")
	}
}

func TestStreamChannelClosesAfterTerminal(t *testing.T) {
	s := NewStream("sess-1")
	s.Done("# report", 0, 0)

	events := s.Events()
	if e, ok := <-events; !ok || e.Type != TypeDone {
		t.Fatalf("first receive = %+v, %v", e, ok)
	}
	if _, ok := <-events; ok {
		t.Error("channel should be closed after terminal event")
	}
}

func TestStreamConcurrentEmitters(t *testing.T) {
	// The orchestrator is the sole producer by contract, but a racing
	// area goroutine calling into the stream must still never produce
	// two terminals or a send on a closed channel.
	s := NewStream("sess-1")

	var wg sync.WaitGroup
	done := make(chan []Event, 1)
	go func() {
		done <- drain(s)
	}()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Status("racing")
			s.Fail("DeadEnd", "racing terminal")
		}()
	}
	wg.Wait()

	got := <-done
	terminals := 0
	for _, e := range got {
		if e.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly 1", terminals)
	}
	if got[len(got)-1].Type != TypeError {
		t.Errorf("last event = %s, want error terminal", got[len(got)-1].Type)
	}
}

func TestTerminalPredicate(t *testing.T) {
	if !(Event{Type: TypeDone}).Terminal() || !(Event{Type: TypeError}).Terminal() {
		t.Error("done and error must be terminal")
	}
	if (Event{Type: TypeStatus}).Terminal() {
		t.Error("status must not be terminal")
	}
}
