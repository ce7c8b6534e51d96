package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type PrincipalStore struct {
	db *db
}

func (s *PrincipalStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *PrincipalStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, u := range s.db.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *PrincipalStore) ListUsersByRole(_ context.Context, role model.Role) ([]model.User, error) {
	s.db.mu.RLock()
	out := make([]model.User, 0, len(s.db.users))
	for _, u := range s.db.users {
		if u.Role == role {
			out = append(out, *u)
		}
	}
	s.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PrincipalStore) CreateUser(_ context.Context, u *model.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[u.ID]; ok {
		return repository.ErrDuplicate
	}
	for _, existing := range s.db.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return repository.ErrDuplicate
		}
	}
	c := *u
	s.db.users[u.ID] = &c
	return nil
}

func (s *PrincipalStore) DeleteUser(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.db.users, id)
	return nil
}

func (s *PrincipalStore) GetSubAdmin(_ context.Context, id string) (*model.SubAdmin, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	sa, ok := s.db.subAdmins[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *sa
	return &c, nil
}

func (s *PrincipalStore) GetSubAdminByUserID(_ context.Context, userID string) (*model.SubAdmin, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, sa := range s.db.subAdmins {
		if sa.UserID == userID {
			c := *sa
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *PrincipalStore) ListSubAdmins(_ context.Context) ([]model.SubAdmin, error) {
	s.db.mu.RLock()
	out := make([]model.SubAdmin, 0, len(s.db.subAdmins))
	for _, sa := range s.db.subAdmins {
		out = append(out, *sa)
	}
	s.db.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *PrincipalStore) CreateSubAdmin(_ context.Context, sa *model.SubAdmin) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.subAdmins[sa.ID]; ok {
		return repository.ErrDuplicate
	}
	c := *sa
	c.AssignedGroups = append([]string(nil), sa.AssignedGroups...)
	s.db.subAdmins[sa.ID] = &c
	return nil
}

func (s *PrincipalStore) DeleteSubAdmin(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.subAdmins[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.db.subAdmins, id)
	return nil
}
