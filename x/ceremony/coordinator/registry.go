package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Registry holds the ceremony instances served by one daemon. Instances
// are independent; each serializes its own transitions.
type Registry struct {
	mu         sync.RWMutex
	ceremonies map[string]*Coordinator
	opts       Options
}

// NewRegistry returns an empty registry. Call LoadAll to resume persisted
// ceremonies.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		ceremonies: make(map[string]*Coordinator),
		opts:       opts,
	}
}

// LoadAll resumes every ceremony found in the store.
func (r *Registry) LoadAll() error {
	ids, err := r.opts.Store.CeremonyIDs()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.ceremonies[id]; ok {
			continue
		}
		c, err := Load(id, r.opts)
		if err != nil {
			return fmt.Errorf("failed to resume ceremony %s: %w", id, err)
		}
		r.ceremonies[id] = c
	}
	return nil
}

// NewCeremonyID generates an id for a circuit, e.g. "battle-1f0c2d9e".
func NewCeremonyID(circuit string) string {
	prefix := strings.ToLower(circuit)
	prefix = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, prefix)
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

// Initialize creates and initializes a ceremony. An empty id is generated
// from the circuit name.
func (r *Registry) Initialize(ctx context.Context, id string, circuit types.CircuitSpec, rb types.RandomBeacon, targetParticipants uint64) (*Coordinator, error) {
	if id == "" {
		id = NewCeremonyID(circuit.Name)
	}

	r.mu.Lock()
	if _, ok := r.ceremonies[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrCeremonyExists, id)
	}
	c, err := New(id, r.opts)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.ceremonies[id] = c
	r.mu.Unlock()

	if err := c.Initialize(ctx, circuit, rb, targetParticipants); err != nil {
		r.mu.Lock()
		delete(r.ceremonies, id)
		r.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Get returns a ceremony by id.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ceremonies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrCeremonyNotFound, id)
	}
	return c, nil
}

// List returns the state of every initialized ceremony, ordered by id.
func (r *Registry) List() []types.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.State, 0, len(r.ceremonies))
	for _, c := range r.ceremonies {
		if s := c.State(); s.Phase != types.PhaseUninitialized {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CeremonyID < out[j].CeremonyID })
	return out
}

// Store returns the store shared by the registry's ceremonies.
func (r *Registry) Store() *Store {
	return r.opts.Store
}
