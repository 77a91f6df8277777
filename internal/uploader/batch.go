package uploader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrBatchNotFound is returned when a batch id is unknown.
var ErrBatchNotFound = errors.New("batch not found")

// Batch is the capacity scope of one caller-facing attachment area. Occupied
// counts results already attached plus slots held by in-flight files.
// A batch with an owner accepts uploads and discards only from that user.
type Batch struct {
	ID string

	owner    string
	mu       sync.Mutex
	max      int
	occupied int
}

// NewBatch returns a batch with capacity max and occupied slots already taken.
func NewBatch(max, occupied int) (*Batch, error) {
	if max <= 0 {
		return nil, fmt.Errorf("batch max must be positive, got %d", max)
	}
	if occupied < 0 || occupied > max {
		return nil, fmt.Errorf("batch occupancy %d outside [0, %d]", occupied, max)
	}
	return &Batch{ID: uuid.NewString(), max: max, occupied: occupied}, nil
}

func (b *Batch) Owner() string {
	return b.owner
}

// usableBy reports whether userID may admit into or release from the batch.
func (b *Batch) usableBy(userID string) bool {
	return b.owner == "" || b.owner == userID
}

func (b *Batch) Max() int {
	return b.max
}

func (b *Batch) Occupied() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.occupied
}

func (b *Batch) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max - b.occupied
}

// admit runs choose under the batch lock with the free slot count and
// reserves as many slots as it returns.
func (b *Batch) admit(choose func(remaining int) int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := choose(b.max - b.occupied)
	if n < 0 {
		n = 0
	}
	if n > b.max-b.occupied {
		n = b.max - b.occupied
	}
	b.occupied += n
	return n
}

// Release frees n slots, for files that failed or media the caller detached.
func (b *Batch) Release(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.occupied -= n
	if b.occupied < 0 {
		b.occupied = 0
	}
}

// Registry keeps named batches addressable by id. Every lookup is scoped to
// the owner; a batch of another user is reported as not found.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

func NewRegistry() *Registry {
	return &Registry{batches: make(map[string]*Batch)}
}

func (r *Registry) Create(owner string, max, occupied int) (*Batch, error) {
	if owner == "" {
		return nil, errors.New("batch owner is required")
	}
	b, err := NewBatch(max, occupied)
	if err != nil {
		return nil, err
	}
	b.owner = owner
	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()
	return b, nil
}

func (r *Registry) Get(id, owner string) (*Batch, error) {
	r.mu.RLock()
	b, ok := r.batches[id]
	r.mu.RUnlock()
	if !ok || b.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return b, nil
}

// Delete forgets the batch once its owner is done attaching media to it.
func (r *Registry) Delete(id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok || b.owner != owner {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	delete(r.batches, id)
	return nil
}

// Len reports the number of live batches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}
