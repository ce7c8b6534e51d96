package memory

import (
	"context"
	"sort"
	"time"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type MessageStore struct {
	db *db
}

func (s *MessageStore) Create(_ context.Context, m *model.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.messages[m.ID]; ok {
		return repository.ErrDuplicate
	}
	c := copyMessage(m)
	s.db.messages[m.ID] = &c
	return nil
}

func (s *MessageStore) GetByID(_ context.Context, id string) (*model.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copyMessage(m)
	return &c, nil
}

func (s *MessageStore) ListByGroup(_ context.Context, groupID string, skip, limit int) ([]model.Message, error) {
	s.db.mu.RLock()
	all := make([]model.Message, 0, 32)
	for _, m := range s.db.messages {
		if m.GroupID == groupID && !m.IsDeleted {
			all = append(all, copyMessage(m))
		}
	}
	s.db.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if skip >= len(all) {
		return []model.Message{}, nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MessageStore) CountByGroup(_ context.Context, groupID string) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var n int64
	for _, m := range s.db.messages {
		if m.GroupID == groupID && !m.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (s *MessageStore) ToggleReaction(_ context.Context, messageID string, r model.Reaction) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[messageID]
	if !ok {
		return false, repository.ErrNotFound
	}
	kept := m.Reactions[:0]
	removed := false
	for _, existing := range m.Reactions {
		if existing.Principal.Equal(r.Principal) && existing.Emoji == r.Emoji {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	m.Reactions = kept
	if !removed {
		m.Reactions = append(m.Reactions, r)
	}
	m.UpdatedAt = r.CreatedAt
	return !removed, nil
}

func (s *MessageStore) MarkRead(_ context.Context, groupID string, ref model.PrincipalRef, at time.Time) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var n int64
	for _, m := range s.db.messages {
		if m.GroupID != groupID || m.IsDeleted {
			continue
		}
		seen := false
		for _, rr := range m.ReadBy {
			if rr.Principal.Equal(ref) {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		m.ReadBy = append(m.ReadBy, model.ReadReceipt{Principal: ref, ReadAt: at})
		n++
	}
	return n, nil
}

func (s *MessageStore) SoftDelete(_ context.Context, messageID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[messageID]
	if !ok {
		return repository.ErrNotFound
	}
	m.IsDeleted = true
	m.DeletedAt = &at
	m.UpdatedAt = at
	return nil
}
