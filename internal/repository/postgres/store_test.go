package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

// Тесты идут против живой базы: DOCCHAT_TEST_POSTGRES_URL=postgres://... go test ./...
func newTestStores(t *testing.T) repository.Stores {
	t.Helper()
	url := os.Getenv("DOCCHAT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("DOCCHAT_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`TRUNCATE chat_message_reads, chat_message_reactions, chat_messages, chat_group_members, chat_groups, subadmins, users`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	s := New(pool)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func createGroup(t *testing.T, s repository.Stores, id string, kind model.GroupKind, at time.Time) {
	t.Helper()
	g := &model.Group{
		ID: id, Name: "group " + id, Kind: kind, IsActive: true,
		CreatedBy:      model.PrincipalRef{ID: "owner", Kind: model.PrincipalUser},
		LastActivityAt: at, CreatedAt: at, UpdatedAt: at,
		Members: []model.Member{{
			Principal: model.PrincipalRef{ID: "owner", Kind: model.PrincipalUser},
			Role:      model.GroupRoleAdmin,
			JoinedAt:  at,
		}},
	}
	if err := s.Groups.Create(context.Background(), g); err != nil {
		t.Fatalf("Create group: %v", err)
	}
}

func TestGroupMembershipAndPointer(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	createGroup(t, s, "g1", model.GroupKindPrivate, now)

	candidates := []model.Member{
		{Principal: model.PrincipalRef{ID: "owner", Kind: model.PrincipalSubAdmin}, Role: model.GroupRoleMember, JoinedAt: now},
		{Principal: model.PrincipalRef{ID: "u2", Kind: model.PrincipalUser}, Role: model.GroupRoleMember, JoinedAt: now},
	}
	added, err := s.Groups.AddMembers(ctx, "g1", candidates, now.Add(time.Second))
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if len(added) != 1 || added[0].Principal.ID != "u2" {
		t.Fatalf("added = %+v, want only u2", added)
	}

	if err := s.Groups.TouchActivity(ctx, "g1", "m2", now.Add(3*time.Second)); err != nil {
		t.Fatalf("TouchActivity: %v", err)
	}
	if err := s.Groups.TouchActivity(ctx, "g1", "m1", now.Add(2*time.Second)); err != nil {
		t.Fatalf("TouchActivity older: %v", err)
	}
	g, err := s.Groups.GetByID(ctx, "g1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if g.LastMessageID != "m2" || len(g.Members) != 2 {
		t.Errorf("group = %+v", g)
	}
	if err := s.Groups.TouchActivity(ctx, "missing", "m", now); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("TouchActivity missing: %v", err)
	}

	n, err := s.Groups.RemoveMember(ctx, "g1", "u2", now.Add(4*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("RemoveMember = %d, %v", n, err)
	}
	list, err := s.Groups.ListForPrincipal(ctx, model.PrincipalRef{ID: "u2", Kind: model.PrincipalUser})
	if err != nil || len(list) != 0 {
		t.Errorf("ListForPrincipal = %v, %v", list, err)
	}
}

func TestSingleActiveDefaultGroup(t *testing.T) {
	s := newTestStores(t)
	now := time.Now().UTC()
	createGroup(t, s, "d1", model.GroupKindDefault, now)
	g := &model.Group{ID: "d2", Name: "again", Kind: model.GroupKindDefault, IsActive: true,
		CreatedBy: model.PrincipalRef{ID: "x", Kind: model.PrincipalSubAdmin}, LastActivityAt: now, CreatedAt: now, UpdatedAt: now}
	if err := s.Groups.Create(context.Background(), g); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("second default group: err = %v, want ErrDuplicate", err)
	}
}

func TestReactionsAndReads(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()
	createGroup(t, s, "g1", model.GroupKindPrivate, now)
	for i, id := range []string{"m1", "m2"} {
		m := &model.Message{ID: id, GroupID: "g1", Sender: model.PrincipalRef{ID: "owner", Kind: model.PrincipalUser},
			Type: model.MessageTypeText, Content: id, CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now}
		if err := s.Messages.Create(ctx, m); err != nil {
			t.Fatalf("Create message: %v", err)
		}
	}

	r := model.Reaction{Principal: model.PrincipalRef{ID: "owner", Kind: model.PrincipalUser}, Emoji: "👍", CreatedAt: now}
	if added, err := s.Messages.ToggleReaction(ctx, "m1", r); err != nil || !added {
		t.Fatalf("first toggle = %v, %v", added, err)
	}
	if added, err := s.Messages.ToggleReaction(ctx, "m1", r); err != nil || added {
		t.Fatalf("second toggle = %v, %v", added, err)
	}
	if _, err := s.Messages.ToggleReaction(ctx, "missing", r); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("toggle missing: %v", err)
	}

	if err := s.Messages.SoftDelete(ctx, "m2", now); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	ref := model.PrincipalRef{ID: "u2", Kind: model.PrincipalUser}
	if n, err := s.Messages.MarkRead(ctx, "g1", ref, now); err != nil || n != 1 {
		t.Fatalf("MarkRead = %d, %v", n, err)
	}
	if n, _ := s.Messages.MarkRead(ctx, "g1", ref, now); n != 0 {
		t.Errorf("MarkRead again = %d, want 0", n)
	}
	list, err := s.Messages.ListByGroup(ctx, "g1", 0, 10)
	if err != nil || len(list) != 1 || list[0].ID != "m1" || len(list[0].ReadBy) != 1 {
		t.Errorf("ListByGroup = %+v, %v", list, err)
	}
}

func TestPrincipals(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()
	u := &model.User{ID: "u1", Name: "U", Email: "u@example.com", Role: model.RoleSubAdmin}
	if err := s.Principals.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	dup := &model.User{ID: "u2", Name: "U2", Email: "U@example.com", Role: model.RoleUser}
	if err := s.Principals.CreateUser(ctx, dup); !errors.Is(err, repository.ErrDuplicate) {
		t.Errorf("duplicate email: %v", err)
	}
	sa := &model.SubAdmin{ID: "s1", UserID: "u1", Permissions: model.PermissionViewOnly}
	if err := s.Principals.CreateSubAdmin(ctx, sa); err != nil {
		t.Fatalf("CreateSubAdmin: %v", err)
	}
	got, err := s.Principals.GetSubAdminByUserID(ctx, "u1")
	if err != nil || got.ID != "s1" {
		t.Fatalf("GetSubAdminByUserID = %+v, %v", got, err)
	}
	if err := s.Principals.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.Principals.GetSubAdmin(ctx, "s1"); err != nil {
		t.Errorf("subadmin must outlive its user: %v", err)
	}
}
