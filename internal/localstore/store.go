// Package localstore holds the client-side durable state of the forum sync
// core: the per-room buffer of unflushed messages and the ledger of ids
// deleted locally but not yet confirmed removed on the server.
package localstore

import (
	"errors"
	"sort"

	"forum-service/internal/models"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("localstore: store closed")

// MessageCache is the per-room buffer of provisional messages.
type MessageCache interface {
	// Load returns the buffered messages for a room, empty when none.
	Load(roomID int64) ([]models.Message, error)
	// Append adds m unless the buffer already holds it by id or by the
	// fuzzy duplicate rule.
	Append(roomID int64, m models.Message) error
	// ReplaceAll overwrites the buffer of a room.
	ReplaceAll(roomID int64, msgs []models.Message) error
	// Clear drops the buffer of a room.
	Clear(roomID int64) error
}

// DeletedLedger records message ids deleted locally until the server
// confirms their removal.
type DeletedLedger interface {
	MarkDeleted(roomID, id int64) error
	PendingDeletes(roomID int64) ([]int64, error)
	// ClearConfirmed removes exactly ids from the room's ledger.
	ClearConfirmed(roomID int64, ids []int64) error
}

// Store is a backend providing both halves of the local state.
type Store interface {
	MessageCache
	DeletedLedger
	Close() error
}

func appendUnique(msgs []models.Message, m models.Message) ([]models.Message, bool) {
	if models.ContainsDuplicate(msgs, m) {
		return msgs, false
	}
	return append(msgs, m), true
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
