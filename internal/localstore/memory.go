package localstore

import (
	"sync"

	"forum-service/internal/models"
)

// MemoryStore keeps everything in process memory. It is the fallback when
// the durable backend fails; its contents do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[int64][]models.Message
	deleted map[int64]map[int64]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[int64][]models.Message),
		deleted: make(map[int64]map[int64]struct{}),
	}
}

func (s *MemoryStore) Load(roomID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message{}, s.pending[roomID]...), nil
}

func (s *MemoryStore) Append(roomID int64, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[roomID], _ = appendUnique(s.pending[roomID], m)
	return nil
}

func (s *MemoryStore) ReplaceAll(roomID int64, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(msgs) == 0 {
		delete(s.pending, roomID)
		return nil
	}
	s.pending[roomID] = append([]models.Message{}, msgs...)
	return nil
}

func (s *MemoryStore) Clear(roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, roomID)
	return nil
}

func (s *MemoryStore) MarkDeleted(roomID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.deleted[roomID]
	if !ok {
		set = make(map[int64]struct{})
		s.deleted[roomID] = set
	}
	set[id] = struct{}{}
	return nil
}

func (s *MemoryStore) PendingDeletes(roomID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.deleted[roomID]), nil
}

func (s *MemoryStore) ClearConfirmed(roomID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.deleted[roomID]
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(s.deleted, roomID)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
