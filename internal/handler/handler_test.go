package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docchat/internal/auth"
	"github.com/docchat/internal/fileserver"
	"github.com/docchat/internal/middleware"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
	"github.com/docchat/internal/repository/memory"
	"github.com/docchat/internal/service"
	"github.com/docchat/internal/storage"
	storemem "github.com/docchat/internal/storage/memory"
)

const testSecret = "handler-test-secret"

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) add(e string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBroadcaster) PublishNewMessage(_ context.Context, m *model.MessageView) {
	b.add("new_message:" + m.GroupID)
}

func (b *recordingBroadcaster) PublishMessageUpdated(m *model.MessageView) {
	b.add("message_updated:" + m.GroupID)
}

func (b *recordingBroadcaster) PublishMembership(_ context.Context, change *service.MembershipChange) {
	b.add("membership:" + change.GroupID)
}

func (b *recordingBroadcaster) PublishGroupState(groupID, updateType string) {
	b.add(updateType + ":" + groupID)
}

func (b *recordingBroadcaster) got() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type fakeUploader struct{}

func (fakeUploader) Upload(_ context.Context, f fileserver.File) (*fileserver.UploadResponse, error) {
	return &fileserver.UploadResponse{URL: "/files/x.pdf", FileName: f.Name, FileSize: f.Size, ContentType: "file"}, nil
}

type apiFixture struct {
	srv    *httptest.Server
	stores repository.Stores
	live   *recordingBroadcaster
	tokens map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	stores := memory.New()
	det := service.NewDetacher(time.Second)
	svc := service.NewChatService(stores, det, service.WithUploader(fakeUploader{}))
	live := &recordingBroadcaster{}
	chat := NewChatHandler(svc, live, 1<<20)
	subadmins := NewSubAdminHandler(svc)
	authn := middleware.NewAuthenticator(stores.Principals, testSecret)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)
		r.Post("/api/chat/groups", chat.CreateGroup)
		r.Get("/api/chat/groups", chat.ListGroups)
		r.Get("/api/chat/groups/{groupId}/messages", chat.ListMessages)
		r.Post("/api/chat/groups/{groupId}/messages", chat.SendMessage)
		r.Post("/api/chat/groups/{groupId}/messages/file", chat.SendFileMessage)
		r.Post("/api/chat/groups/{groupId}/members", chat.AddMembers)
		r.Delete("/api/chat/groups/{groupId}/members/{memberId}", chat.RemoveMember)
		r.Patch("/api/chat/groups/{groupId}/manage", chat.Manage)
		r.Post("/api/chat/messages/{messageId}/reactions", chat.ToggleReaction)
		r.Get("/api/chat/members/available", chat.AvailableMembers)
		r.Post("/api/subadmins", subadmins.Create)
	})
	f := &apiFixture{srv: httptest.NewServer(r), stores: stores, live: live, tokens: map[string]string{}}
	t.Cleanup(func() {
		f.srv.Close()
		det.Wait()
	})
	return f
}

func (f *apiFixture) user(t *testing.T, id string, role model.Role) {
	t.Helper()
	u := &model.User{ID: id, Name: strings.ToUpper(id), Email: id + "@example.com", Role: role}
	if err := f.stores.Principals.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tok, err := auth.GenerateToken(id, role, testSecret, "test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	f.tokens[id] = tok
}

func (f *apiFixture) do(t *testing.T, as, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok := f.tokens[as]; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (f *apiFixture) createGroup(t *testing.T, as string, members ...string) string {
	t.Helper()
	resp := f.do(t, as, http.MethodPost, "/api/chat/groups", CreateGroupRequest{Name: "Team", MemberIDs: members})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d", resp.StatusCode)
	}
	return decode[model.GroupView](t, resp).ID
}

func TestUnauthenticatedRequest(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, "nobody", http.MethodGet, "/api/chat/groups", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if got := decode[errorResponse](t, resp); got.Code != "unauthenticated" {
		t.Errorf("code = %q", got.Code)
	}
}

func TestSendMessagePublishes(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	groupID := f.createGroup(t, "alice", "bob")

	resp := f.do(t, "bob", http.MethodPost, "/api/chat/groups/"+groupID+"/messages", SendMessageRequest{Content: "hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[model.MessageView](t, resp); got.Content != "hello" {
		t.Errorf("content = %q", got.Content)
	}
	if ev := f.live.got(); len(ev) != 1 || ev[0] != "new_message:"+groupID {
		t.Errorf("events = %v", ev)
	}

	page := decode[model.MessagePage](t, f.do(t, "alice", http.MethodGet, "/api/chat/groups/"+groupID+"/messages?page=1&limit=10", nil))
	if page.TotalMessages != 1 || page.CurrentPage != 1 || page.TotalPages != 1 {
		t.Errorf("page = %+v", page)
	}
}

func TestNonMemberGetsCapabilityDenied(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	f.user(t, "mallory", model.RoleUser)
	groupID := f.createGroup(t, "alice")

	resp := f.do(t, "mallory", http.MethodPost, "/api/chat/groups/"+groupID+"/messages", SendMessageRequest{Content: "hi"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := decode[errorResponse](t, resp); got.Code != "capability_denied" {
		t.Errorf("code = %q", got.Code)
	}
	if ev := f.live.got(); len(ev) != 0 {
		t.Errorf("events = %v, want none", ev)
	}
}

func TestMissingGroupLooksLikeForeignGroup(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	f.user(t, "mallory", model.RoleUser)
	f.user(t, "root", model.RoleAdmin)
	groupID := f.createGroup(t, "alice")

	for _, path := range []string{"/api/chat/groups/" + groupID + "/messages", "/api/chat/groups/missing/messages"} {
		resp := f.do(t, "mallory", http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want 403", path, resp.StatusCode)
		}
		if got := decode[errorResponse](t, resp); got.Code != "capability_denied" {
			t.Errorf("%s: code = %q", path, got.Code)
		}
	}
	// Администратор видит все группы, для него отсутствие группы не секрет.
	resp := f.do(t, "root", http.MethodGet, "/api/chat/groups/missing/messages", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("admin status = %d, want 404", resp.StatusCode)
	}
}

func TestAddMembersReturnsCount(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	f.user(t, "carol", model.RoleUser)
	groupID := f.createGroup(t, "alice", "bob")

	resp := f.do(t, "alice", http.MethodPost, "/api/chat/groups/"+groupID+"/members",
		AddMembersRequest{MemberIDs: []string{"bob", "carol", "ghost"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]int](t, resp); got["added_count"] != 1 {
		t.Errorf("added_count = %d, want 1", got["added_count"])
	}
	if ev := f.live.got(); len(ev) != 1 || ev[0] != "membership:"+groupID {
		t.Errorf("events = %v", ev)
	}
}

func TestManageRequiresAdminAndBroadcasts(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "root", model.RoleAdmin)
	f.user(t, "alice", model.RoleUser)
	groupID := f.createGroup(t, "alice")

	resp := f.do(t, "alice", http.MethodPatch, "/api/chat/groups/"+groupID+"/manage", ManageRequest{Action: "mute", IsMuted: true})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}
	resp = f.do(t, "root", http.MethodPatch, "/api/chat/groups/"+groupID+"/manage", ManageRequest{Action: "archive"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid action status = %d, want 400", resp.StatusCode)
	}
	resp = f.do(t, "root", http.MethodPatch, "/api/chat/groups/"+groupID+"/manage", ManageRequest{Action: "mute", IsMuted: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mute status = %d", resp.StatusCode)
	}
	resp = f.do(t, "root", http.MethodPatch, "/api/chat/groups/"+groupID+"/manage", ManageRequest{Action: "delete"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	want := []string{"muted:" + groupID, "deactivated:" + groupID}
	ev := f.live.got()
	if len(ev) != len(want) || ev[0] != want[0] || ev[1] != want[1] {
		t.Errorf("events = %v, want %v", ev, want)
	}
	resp = f.do(t, "alice", http.MethodGet, "/api/chat/groups/"+groupID+"/messages", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("deactivated group status = %d, want 403", resp.StatusCode)
	}
}

func TestToggleReactionPublishesUpdate(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	groupID := f.createGroup(t, "alice")
	msg := decode[model.MessageView](t, f.do(t, "alice", http.MethodPost, "/api/chat/groups/"+groupID+"/messages", SendMessageRequest{Content: "x"}))

	resp := f.do(t, "alice", http.MethodPost, "/api/chat/messages/"+msg.ID+"/reactions", ReactionRequest{Emoji: "👍"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp); got["added"] != true {
		t.Errorf("added = %v", got["added"])
	}
	ev := f.live.got()
	if ev[len(ev)-1] != "message_updated:"+groupID {
		t.Errorf("events = %v", ev)
	}
}

func TestSendFileMessage(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "alice", model.RoleUser)
	groupID := f.createGroup(t, "alice")

	send := func(withFile bool) *http.Response {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if withFile {
			part, _ := mw.CreateFormFile("file", "report.pdf")
			_, _ = part.Write([]byte("%PDF-1.4 test"))
		}
		_ = mw.WriteField("message_type", "file")
		_ = mw.Close()
		req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/chat/groups/"+groupID+"/messages/file", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+f.tokens["alice"])
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := send(false)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("without file status = %d, want 400", resp.StatusCode)
	}
	resp = send(true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[model.MessageView](t, resp)
	if got.FileName != "report.pdf" || got.FileURL == "" {
		t.Errorf("message = %+v", got)
	}
}

func TestCreateSubAdminAdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	f.user(t, "root", model.RoleAdmin)
	f.user(t, "alice", model.RoleUser)
	req := CreateSubAdminRequest{Name: "Helper", Email: "helper@example.com", Permissions: "view-only"}

	if resp := f.do(t, "alice", http.MethodPost, "/api/subadmins", req); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}
	resp := f.do(t, "root", http.MethodPost, "/api/subadmins", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decode[model.SubAdminView](t, resp); got.User.Email != "helper@example.com" {
		t.Errorf("subadmin = %+v", got)
	}
	if resp := f.do(t, "root", http.MethodPost, "/api/subadmins", req); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("duplicate email status = %d, want 400", resp.StatusCode)
	}
}

type memorySubscriber struct {
	store storage.Store
	key   string
}

func (m memorySubscriber) PublicKey() string { return m.key }

func (m memorySubscriber) Subscribe(ctx context.Context, owner string, sub storage.PushSubscription) error {
	return m.store.AddPushSubscription(ctx, owner, sub)
}

func (m memorySubscriber) Unsubscribe(ctx context.Context, owner, endpoint string) error {
	return m.store.RemovePushSubscription(ctx, owner, endpoint)
}

func TestPushSubscribeUsesPrincipalRef(t *testing.T) {
	store := storemem.New()
	h := NewPushHandler(memorySubscriber{store: store, key: "pub"})
	p := model.Principal{Ref: model.PrincipalRef{ID: "sa1", Kind: model.PrincipalSubAdmin}, Role: model.RoleSubAdmin, UserID: "u1"}

	body := `{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body))
	req = req.WithContext(middleware.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	h.Subscribe(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	subs, err := store.PushSubscriptions(context.Background(), p.Ref.String())
	if err != nil || len(subs) != 1 {
		t.Fatalf("subs = %v, err = %v", subs, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(`{"subscription":{}}`))
	req = req.WithContext(middleware.WithPrincipal(req.Context(), p))
	rec = httptest.NewRecorder()
	h.Subscribe(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty subscription status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.VAPIDPublic(rec, httptest.NewRequest(http.MethodGet, "/api/push/vapid-public", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"public_key":"pub"`) {
		t.Errorf("vapid = %d %s", rec.Code, rec.Body.String())
	}
}
