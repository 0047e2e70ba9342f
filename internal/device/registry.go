package device

import (
	"errors"
	"sync"
)

// ErrProducerBusy is returned by Registry.Claim when the producer already has
// a live stream.
var ErrProducerBusy = errors.New("producer already streaming")

type producerKey struct {
	sessionID  string
	producerID string
}

// Registry tracks which (session, producer) pairs have a live stream. One
// Registry is shared by every transport that opens sessions.
type Registry struct {
	mu     sync.Mutex
	active map[producerKey]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[producerKey]struct{})}
}

// Claim reserves the pair for one stream. The returned release func frees it
// and is safe to call more than once.
func (r *Registry) Claim(sessionID, producerID string) (release func(), err error) {
	if sessionID == "" || producerID == "" {
		return nil, ErrInvalidIdentity
	}
	key := producerKey{sessionID, producerID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[key]; busy {
		return nil, ErrProducerBusy
	}
	r.active[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, key)
			r.mu.Unlock()
		})
	}, nil
}

// Active reports whether the pair has a live stream.
func (r *Registry) Active(sessionID, producerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[producerKey{sessionID, producerID}]
	return ok
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
