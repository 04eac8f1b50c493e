package state

import (
	"errors"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/probelab/deepresearch/pkg/domain"
)

// ErrSessionNotFound is returned when a session id is unknown or its
// idle entry has expired.
var ErrSessionNotFound = errors.New("session not found")

// Entry pairs a session record with its working context.
type Entry struct {
	Session domain.Session
	Context *Context
}

// Registry tracks live sessions between API calls. Sessions that sit
// idle in the conversational phases are evicted after the TTL; a
// finished session can always be resumed from its checkpoint instead.
type Registry struct {
	sessions *gocache.Cache
}

// NewRegistry creates a session registry with the given idle TTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Registry{
		sessions: gocache.New(ttl, 10*time.Minute),
	}
}

// Create registers a new session for a query and returns its entry.
func (r *Registry) Create(query string) *Entry {
	id := uuid.NewString()
	entry := &Entry{
		Session: domain.Session{
			ID:        id,
			Query:     query,
			Phase:     domain.PhaseInitial,
			Mode:      domain.ModeFlat,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		},
		Context: NewContext(id, query),
	}
	r.sessions.Set(id, entry, gocache.DefaultExpiration)
	return entry
}

// Attach registers an entry rebuilt from a checkpoint under its
// original session id.
func (r *Registry) Attach(entry *Entry) {
	r.sessions.Set(entry.Session.ID, entry, gocache.DefaultExpiration)
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Entry, error) {
	if v, ok := r.sessions.Get(id); ok {
		return v.(*Entry), nil
	}
	return nil, ErrSessionNotFound
}

// Touch refreshes a session's TTL and updated-at stamp.
func (r *Registry) Touch(id string) {
	if v, ok := r.sessions.Get(id); ok {
		entry := v.(*Entry)
		entry.Session.UpdatedAt = time.Now().UTC()
		r.sessions.Set(id, entry, gocache.DefaultExpiration)
	}
}

// List returns all live sessions.
func (r *Registry) List() []domain.Session {
	items := r.sessions.Items()
	out := make([]domain.Session, 0, len(items))
	for _, item := range items {
		entry := item.Object.(*Entry)
		out = append(out, entry.Session)
	}
	return out
}
