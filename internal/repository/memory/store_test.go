package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

func newGroup(t *testing.T, s repository.Stores, id string, at time.Time) *model.Group {
	t.Helper()
	g := &model.Group{
		ID:             id,
		Name:           "group " + id,
		Kind:           model.GroupKindPrivate,
		IsActive:       true,
		LastActivityAt: at,
		CreatedAt:      at,
		Members: []model.Member{{
			Principal: model.PrincipalRef{ID: "owner", Kind: model.PrincipalUser},
			Role:      model.GroupRoleAdmin,
			JoinedAt:  at,
		}},
	}
	if err := s.Groups.Create(context.Background(), g); err != nil {
		t.Fatalf("Create group: %v", err)
	}
	return g
}

func TestAddMembersSkipsExistingIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	newGroup(t, s, "g1", now)

	candidates := []model.Member{
		{Principal: model.PrincipalRef{ID: "owner", Kind: model.PrincipalSubAdmin}, Role: model.GroupRoleMember},
		{Principal: model.PrincipalRef{ID: "u2", Kind: model.PrincipalUser}, Role: model.GroupRoleMember},
	}
	added, err := s.Groups.AddMembers(ctx, "g1", candidates, now.Add(time.Second))
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if len(added) != 1 || added[0].Principal.ID != "u2" {
		t.Fatalf("added = %+v, want only u2", added)
	}

	again, err := s.Groups.AddMembers(ctx, "g1", candidates, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("AddMembers again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second add should add nothing, got %d", len(again))
	}

	g, _ := s.Groups.GetByID(ctx, "g1")
	if len(g.Members) != 2 {
		t.Errorf("members = %d, want 2", len(g.Members))
	}
}

func TestTouchActivityNeverMovesBackwards(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	newGroup(t, s, "g1", now)

	if err := s.Groups.TouchActivity(ctx, "g1", "m2", now.Add(2*time.Second)); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	if err := s.Groups.TouchActivity(ctx, "g1", "m1", now.Add(time.Second)); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	g, _ := s.Groups.GetByID(ctx, "g1")
	if g.LastMessageID != "m2" {
		t.Errorf("LastMessageID = %q, want m2", g.LastMessageID)
	}
}

func TestListActiveSortedAndFiltered(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	newGroup(t, s, "old", now)
	newGroup(t, s, "new", now.Add(time.Minute))
	newGroup(t, s, "gone", now.Add(2*time.Minute))
	if err := s.Groups.Deactivate(ctx, "gone"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	groups, err := s.Groups.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(groups) != 2 || groups[0].ID != "new" || groups[1].ID != "old" {
		t.Fatalf("unexpected order: %+v", groups)
	}
}

func TestToggleReactionTwiceRestores(t *testing.T) {
	s := New()
	ctx := context.Background()
	msg := &model.Message{ID: "m1", GroupID: "g1", Type: model.MessageTypeText, Content: "hi", CreatedAt: time.Now()}
	if err := s.Messages.Create(ctx, msg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := model.Reaction{Principal: model.PrincipalRef{ID: "u1", Kind: model.PrincipalUser}, Emoji: "👍", CreatedAt: time.Now()}

	added, err := s.Messages.ToggleReaction(ctx, "m1", r)
	if err != nil || !added {
		t.Fatalf("first toggle: added=%v err=%v", added, err)
	}
	added, err = s.Messages.ToggleReaction(ctx, "m1", r)
	if err != nil || added {
		t.Fatalf("second toggle: added=%v err=%v", added, err)
	}
	got, _ := s.Messages.GetByID(ctx, "m1")
	if len(got.Reactions) != 0 {
		t.Errorf("reactions = %+v, want none", got.Reactions)
	}

	if _, err := s.Messages.ToggleReaction(ctx, "missing", r); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing message err = %v", err)
	}
}

func TestListByGroupExcludesDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := &model.Message{ID: fmt.Sprintf("m%d", i), GroupID: "g1", Type: model.MessageTypeText, Content: "x", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Messages.Create(ctx, m); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := s.Messages.SoftDelete(ctx, "m4", base); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	page, err := s.Messages.ListByGroup(ctx, "g1", 0, 2)
	if err != nil {
		t.Fatalf("ListByGroup: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m3" || page[1].ID != "m2" {
		t.Fatalf("page = %v", ids(page))
	}
	n, _ := s.Messages.CountByGroup(ctx, "g1")
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m := &model.Message{ID: fmt.Sprintf("m%d", i), GroupID: "g1", Type: model.MessageTypeText, Content: "x", CreatedAt: time.Now()}
		_ = s.Messages.Create(ctx, m)
	}
	ref := model.PrincipalRef{ID: "u1", Kind: model.PrincipalUser}
	n, _ := s.Messages.MarkRead(ctx, "g1", ref, time.Now())
	if n != 3 {
		t.Errorf("first MarkRead = %d, want 3", n)
	}
	n, _ = s.Messages.MarkRead(ctx, "g1", ref, time.Now())
	if n != 0 {
		t.Errorf("second MarkRead = %d, want 0", n)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Principals.CreateUser(ctx, &model.User{ID: "u1", Email: "a@example.com", Role: model.RoleUser}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	err := s.Principals.CreateUser(ctx, &model.User{ID: "u2", Email: "A@example.com", Role: model.RoleUser})
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func ids(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
