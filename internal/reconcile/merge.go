package reconcile

import (
	"sort"

	"forum-service/internal/models"
)

// IDSet is a set of message ids.
type IDSet map[int64]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...int64) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Merge combines remote history and local pending messages into one list.
// Messages whose id is in deleted are dropped. Duplicate ids collapse to the
// last occurrence, so a local copy overrides the remote one. The result is
// ordered by createdAt, ties broken by id. Inputs are not modified.
func Merge(remote, local []models.Message, deleted IDSet) []models.Message {
	order := make([]int64, 0, len(remote)+len(local))
	byID := make(map[int64]models.Message, len(remote)+len(local))

	add := func(msgs []models.Message) {
		for _, m := range msgs {
			if deleted.Has(m.ID) {
				continue
			}
			if _, seen := byID[m.ID]; !seen {
				order = append(order, m.ID)
			}
			byID[m.ID] = m
		}
	}
	add(remote)
	add(local)

	out := make([]models.Message, 0, len(order))
	for _, id := range order {
		out = append(out, cloneMessage(byID[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneMessage(m models.Message) models.Message {
	if m.Attachments != nil {
		m.Attachments = append(models.Attachments(nil), m.Attachments...)
	}
	return m
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out
}
