package memory

import (
	"context"
	"sort"
	"time"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type GroupStore struct {
	db *db
}

func (s *GroupStore) Create(_ context.Context, g *model.Group) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.groups[g.ID]; ok {
		return repository.ErrDuplicate
	}
	if g.Kind == model.GroupKindDefault {
		for _, existing := range s.db.groups {
			if existing.Kind == model.GroupKindDefault && existing.IsActive {
				return repository.ErrDuplicate
			}
		}
	}
	c := copyGroup(g)
	s.db.groups[g.ID] = &c
	return nil
}

func (s *GroupStore) GetByID(_ context.Context, id string) (*model.Group, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	g, ok := s.db.groups[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copyGroup(g)
	return &c, nil
}

func (s *GroupStore) GetDefault(_ context.Context) (*model.Group, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, g := range s.db.groups {
		if g.Kind == model.GroupKindDefault && g.IsActive {
			c := copyGroup(g)
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *GroupStore) ListActive(_ context.Context) ([]model.Group, error) {
	return s.list(func(*model.Group) bool { return true }), nil
}

func (s *GroupStore) ListForPrincipal(_ context.Context, ref model.PrincipalRef) ([]model.Group, error) {
	return s.list(func(g *model.Group) bool {
		_, ok := g.FindMember(ref)
		return ok
	}), nil
}

func (s *GroupStore) list(match func(*model.Group) bool) []model.Group {
	s.db.mu.RLock()
	out := make([]model.Group, 0, len(s.db.groups))
	for _, g := range s.db.groups {
		if g.IsActive && match(g) {
			out = append(out, copyGroup(g))
		}
	}
	s.db.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

func (s *GroupStore) AddMembers(_ context.Context, groupID string, members []model.Member, at time.Time) ([]model.Member, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.groups[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	added := make([]model.Member, 0, len(members))
	for _, m := range members {
		if g.HasMemberID(m.Principal.ID) {
			continue
		}
		g.Members = append(g.Members, m)
		added = append(added, m)
	}
	g.LastActivityAt = at
	g.UpdatedAt = at
	return added, nil
}

func (s *GroupStore) RemoveMember(_ context.Context, groupID, principalID string, at time.Time) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.groups[groupID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	kept := g.Members[:0]
	removed := 0
	for _, m := range g.Members {
		if m.Principal.ID == principalID {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	g.Members = kept
	g.LastActivityAt = at
	g.UpdatedAt = at
	return removed, nil
}

func (s *GroupStore) TouchActivity(_ context.Context, groupID, messageID string, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.groups[groupID]
	if !ok {
		return repository.ErrNotFound
	}
	if at.Before(g.LastActivityAt) {
		return nil
	}
	g.LastMessageID = messageID
	g.LastActivityAt = at
	g.UpdatedAt = at
	return nil
}

func (s *GroupStore) SetMuted(_ context.Context, groupID string, muted bool) error {
	return s.update(groupID, func(g *model.Group) { g.IsMuted = muted })
}

func (s *GroupStore) Deactivate(_ context.Context, groupID string) error {
	return s.update(groupID, func(g *model.Group) { g.IsActive = false })
}

func (s *GroupStore) update(groupID string, fn func(*model.Group)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	g, ok := s.db.groups[groupID]
	if !ok {
		return repository.ErrNotFound
	}
	fn(g)
	g.UpdatedAt = time.Now().UTC()
	return nil
}
