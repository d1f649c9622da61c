package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"forum-service/internal/models"
)

// PebbleStore persists the local state in an embedded pebble database.
//
// Key layout:
//
//	forum:<room>:pending          JSON array of buffered messages
//	deleted:<room>:<id>           ledger entry, empty value
type PebbleStore struct {
	mu  sync.Mutex
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebble opens (or creates) the database under dir.
func OpenPebble(dir string, log *zap.Logger) (*PebbleStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", dir), zap.Error(err))
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	log.Info("pebble_opened", zap.String("path", dir))
	return &PebbleStore{db: db, log: log}, nil
}

func pendingKey(roomID int64) []byte {
	return []byte(fmt.Sprintf("forum:%d:pending", roomID))
}

func deletedPrefix(roomID int64) string {
	return fmt.Sprintf("deleted:%020d:", roomID)
}

func deletedKey(roomID, id int64) []byte {
	return []byte(deletedPrefix(roomID) + fmt.Sprintf("%020d", id))
}

func (s *PebbleStore) Load(roomID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(roomID)
}

func (s *PebbleStore) load(roomID int64) ([]models.Message, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	v, closer, err := s.db.Get(pendingKey(roomID))
	if errors.Is(err, pebble.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var msgs []models.Message
	if err := json.Unmarshal(v, &msgs); err != nil {
		return nil, fmt.Errorf("decode pending messages: %w", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

func (s *PebbleStore) store(roomID int64, msgs []models.Message) error {
	if s.db == nil {
		return ErrClosed
	}
	if len(msgs) == 0 {
		return s.db.Delete(pendingKey(roomID), pebble.Sync)
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode pending messages: %w", err)
	}
	return s.db.Set(pendingKey(roomID), data, pebble.Sync)
}

func (s *PebbleStore) Append(roomID int64, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.load(roomID)
	if err != nil {
		return err
	}
	msgs, added := appendUnique(msgs, m)
	if !added {
		return nil
	}
	return s.store(roomID, msgs)
}

func (s *PebbleStore) ReplaceAll(roomID int64, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(roomID, msgs)
}

func (s *PebbleStore) Clear(roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(roomID, nil)
}

func (s *PebbleStore) MarkDeleted(roomID, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set(deletedKey(roomID, id), nil, pebble.Sync)
}

func (s *PebbleStore) PendingDeletes(roomID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	prefix := deletedPrefix(roomID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix[:len(prefix)-1] + ";"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := []int64{}
	for ok := iter.First(); ok; ok = iter.Next() {
		id, err := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
		if err != nil {
			s.log.Warn("ledger_key_invalid", zap.ByteString("key", iter.Key()))
			continue
		}
		out = append(out, id)
	}
	return out, iter.Error()
}

func (s *PebbleStore) ClearConfirmed(roomID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if len(ids) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		if err := b.Delete(deletedKey(roomID, id), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

// Close flushes and closes the database. Safe to call more than once.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.log.Info("pebble_closed")
	return err
}
