package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AnythingTechPro/Syndicate/internal/protocol"
)

// MaxAvatarID is the largest identifier the int8 wire field can carry.
const MaxAvatarID protocol.AvatarID = 127

var (
	// ErrDuplicateID reports an insert for an id that is already active.
	ErrDuplicateID = errors.New("duplicate avatar id")
	// ErrRegistryFull reports that every representable id is bound.
	ErrRegistryFull = errors.New("avatar registry full")
	// ErrInvalidID reports an id outside 1..MaxAvatarID.
	ErrInvalidID = errors.New("invalid avatar id")
)

// AvatarState is the last reported position of one avatar.
type AvatarState struct {
	ID protocol.AvatarID `json:"id" msgpack:"id"`
	X  int16             `json:"x" msgpack:"x"`
	Y  int16             `json:"y" msgpack:"y"`
}

// Registry tracks the active avatars. It has no lock of its own: every call must
// happen under the owning Session's mutex, which also guards the peer set.
type Registry struct {
	avatars map[protocol.AvatarID]AvatarState
	cursor  protocol.AvatarID
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{avatars: make(map[protocol.AvatarID]AvatarState)}
}

// AllocateID returns an id that is not bound to any active avatar. The cursor only
// moves forward and wraps after MaxAvatarID, so a freed id is not handed out again
// until every other id has been tried.
func (r *Registry) AllocateID() (protocol.AvatarID, error) {
	for i := 0; i < int(MaxAvatarID); i++ {
		r.cursor = r.cursor%MaxAvatarID + 1
		if _, taken := r.avatars[r.cursor]; !taken {
			return r.cursor, nil
		}
	}
	return 0, ErrRegistryFull
}

// Insert adds a new avatar.
func (r *Registry) Insert(state AvatarState) error {
	if state.ID <= 0 || state.ID > MaxAvatarID {
		return fmt.Errorf("%w: %d", ErrInvalidID, state.ID)
	}
	if _, exists := r.avatars[state.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, state.ID)
	}
	r.avatars[state.ID] = state
	return nil
}

// Remove deletes the avatar and returns its last state.
func (r *Registry) Remove(id protocol.AvatarID) (AvatarState, bool) {
	state, ok := r.avatars[id]
	if ok {
		delete(r.avatars, id)
	}
	return state, ok
}

// Update records a new position. It reports false when the id is not active.
func (r *Registry) Update(id protocol.AvatarID, x, y int16) bool {
	state, ok := r.avatars[id]
	if !ok {
		return false
	}
	state.X, state.Y = x, y
	r.avatars[id] = state
	return true
}

// Get returns the state of a single avatar.
func (r *Registry) Get(id protocol.AvatarID) (AvatarState, bool) {
	state, ok := r.avatars[id]
	return state, ok
}

// Snapshot returns every active avatar ordered by id.
func (r *Registry) Snapshot() []AvatarState {
	out := make([]AvatarState, 0, len(r.avatars))
	for _, state := range r.avatars {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of active avatars.
func (r *Registry) Len() int { return len(r.avatars) }
