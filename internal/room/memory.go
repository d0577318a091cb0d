package room

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry keeps rooms in process memory. It is the default backend
// for single-instance deployments and tests.
//
// Locking is two-level: a table lock guards the room map, and each room has
// its own mutex so join/leave traffic in one room never blocks another. The
// gone flag closes the race between deleting an emptied room and a
// concurrent join that already holds a pointer to it.
type MemoryRegistry struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu      sync.Mutex
	gone    bool
	creator string
	created time.Time
	members []string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		rooms: make(map[string]*memoryRoom),
	}
}

func (r *MemoryRegistry) Create(_ context.Context, creatorID string) (*Room, error) {
	rm := &memoryRoom{
		creator: creatorID,
		created: time.Now().UTC(),
		members: []string{creatorID},
	}
	id := uuid.NewString()

	r.mu.Lock()
	r.rooms[id] = rm
	r.mu.Unlock()

	return &Room{
		ID:        id,
		Creator:   rm.creator,
		Members:   slices.Clone(rm.members),
		CreatedAt: rm.created,
	}, nil
}

func (r *MemoryRegistry) Join(_ context.Context, roomID, memberID string) ([]string, error) {
	rm, ok := r.get(roomID)
	if !ok {
		return nil, ErrNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		// Deleted between the table lookup and taking the room lock. Room
		// IDs are never reused, so this is a plain miss.
		return nil, ErrNotFound
	}

	existing := withoutMember(rm.members, memberID)
	if !slices.Contains(rm.members, memberID) {
		rm.members = append(rm.members, memberID)
	}
	return existing, nil
}

func (r *MemoryRegistry) Leave(_ context.Context, roomID, memberID string) (bool, error) {
	rm, ok := r.get(roomID)
	if !ok {
		return false, nil
	}

	rm.mu.Lock()
	if rm.gone {
		rm.mu.Unlock()
		return false, nil
	}

	rm.members = withoutMember(rm.members, memberID)
	if len(rm.members) > 0 {
		rm.mu.Unlock()
		return false, nil
	}

	// Last member out. Mark the room dead while still holding its lock so
	// no join can slip in, then drop the table entry.
	rm.gone = true
	rm.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.rooms[roomID]; ok && cur == rm {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	return true, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, roomID string) (*Room, error) {
	rm, ok := r.get(roomID)
	if !ok {
		return nil, ErrNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.gone {
		return nil, ErrNotFound
	}
	return &Room{
		ID:        roomID,
		Creator:   rm.creator,
		Members:   slices.Clone(rm.members),
		CreatedAt: rm.created,
	}, nil
}

func (r *MemoryRegistry) get(roomID string) (*memoryRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}
