package room

import (
	"context"
	"errors"
	"time"
)

// Room is the authoritative record for one video room. Members is kept in
// join order and holds no duplicates.
type Room struct {
	ID        string    `json:"roomId"`
	Creator   string    `json:"creator"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrNotFound = errors.New("room not found")

// Registry is the source of truth for room existence and membership.
//
// Mutations on the same room are linearizable with respect to each other;
// different rooms never contend. A room whose last member leaves is deleted
// in the same operation, so an emptied room is never observable via Join or
// Lookup.
type Registry interface {
	// Create allocates a fresh room with the creator as its only member.
	Create(ctx context.Context, creatorID string) (*Room, error)

	// Join adds memberID to the room and returns the members that were
	// already present, excluding memberID itself. Joining a room you are
	// already in is a no-op and still returns the other members.
	Join(ctx context.Context, roomID, memberID string) (existing []string, err error)

	// Leave removes memberID if present. It reports whether the room was
	// deleted because this was the last member. Leaving an unknown room or
	// a room you are not in is a no-op.
	Leave(ctx context.Context, roomID, memberID string) (deleted bool, err error)

	// Lookup returns a snapshot of the room.
	Lookup(ctx context.Context, roomID string) (*Room, error)
}

func withoutMember(members []string, memberID string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != memberID {
			out = append(out, m)
		}
	}
	return out
}
