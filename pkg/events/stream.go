package events

import (
	"sync"
	"time"
)

// DefaultBuffer is the stream channel capacity. A slow consumer backs
// the producer up instead of dropping events; progress ordering is the
// contract, not delivery speed.
const DefaultBuffer = 256

// Stream is the single-producer event channel for one session. The
// orchestrator emits; the transport ranges over Events until the
// channel closes, which happens right after the one terminal event.
type Stream struct {
	mu        sync.Mutex
	ch        chan Event
	sessionID string
	seq       uint64
	closed    bool
}

// NewStream creates an event stream for a session.
func NewStream(sessionID string) *Stream {
	return &Stream{
		ch:        make(chan Event, DefaultBuffer),
		sessionID: sessionID,
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// emit stamps and sends one event. Events after the terminal one are
// dropped so a racing late producer cannot violate the terminal
// contract.
func (s *Stream) emit(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	e.Sequence = s.seq
	e.SessionID = s.sessionID
	e.Timestamp = time.Now().UTC()

	terminal := e.Terminal()
	if terminal {
		s.closed = true
	}

	s.ch <- e
	if terminal {
		close(s.ch)
	}
	s.mu.Unlock()
}

// Status emits a progress line.
func (s *Stream) Status(message string) {
	s.emit(Event{Type: TypeStatus, Status: &StatusPayload{Message: message}})
}

// SourcesFound announces the urls selected for a topic.
func (s *Stream) SourcesFound(topic string, urls []string) {
	s.emit(Event{Type: TypeSourcesFound, Sources: &SourcesPayload{Topic: topic, URLs: urls}})
}

// TopicComplete reports a finished topic along with a short excerpt of
// its dossier's key learnings.
func (s *Stream) TopicComplete(topic, area, excerpt string, completed, total int) {
	s.emit(Event{Type: TypeTopicComplete, Topic: &TopicPayload{
		Topic: topic, Area: area, DossierExcerpt: excerpt, Completed: completed, Total: total,
	}})
}

// TopicSkipped reports a topic abandoned after remediation failed.
func (s *Stream) TopicSkipped(topic, area, reason string, completed, total int) {
	s.emit(Event{Type: TypeTopicSkipped, Topic: &TopicPayload{
		Topic: topic, Area: area, Completed: completed, Total: total, SkipReason: reason,
	}})
}

// PlanRevised reports a mid-run plan revision.
func (s *Stream) PlanRevised(version, topics int, reason string) {
	s.emit(Event{Type: TypePlanRevised, Plan: &PlanPayload{Version: version, Topics: topics, Reason: reason}})
}

// AreaStart reports an area beginning its isolated run.
func (s *Stream) AreaStart(area string, topics int) {
	s.emit(Event{Type: TypeAreaStart, Area: &AreaPayload{Area: area, Topics: topics}})
}

// AreaComplete reports an area finishing, synthesis included.
func (s *Stream) AreaComplete(area string, topics int) {
	s.emit(Event{Type: TypeAreaComplete, Area: &AreaPayload{Area: area, Topics: topics}})
}

// SynthesisStart announces a synthesis pass ("final", "area",
// "cross_area") over the given number of dossiers.
func (s *Stream) SynthesisStart(kind string, dossiers int) {
	s.emit(Event{Type: TypeSynthesisStart, Synthesis: &SynthesisPayload{Kind: kind, Dossiers: dossiers}})
}

// Done ends the stream successfully.
func (s *Stream) Done(markdown string, sources int, duration time.Duration) {
	s.emit(Event{Type: TypeDone, Done: &DonePayload{
		Markdown: markdown, Sources: sources, Duration: duration,
	}})
}

// Fail ends the stream with an error.
func (s *Stream) Fail(kind, message string) {
	s.emit(Event{Type: TypeError, Error: &ErrorPayload{Kind: kind, Message: message}})
}

// Closed reports whether a terminal event has been emitted.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
