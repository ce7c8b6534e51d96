package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/push"
	"github.com/docchat/internal/repository"
	"github.com/docchat/internal/repository/memory"
	"github.com/docchat/internal/service"
)

type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type recordingPusher struct {
	mu     sync.Mutex
	owners []string
}

func (p *recordingPusher) Notify(_ context.Context, owner string, _ push.Notification) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners = append(p.owners, owner)
	return 1, nil
}

func (p *recordingPusher) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.owners...)
}

type hubFixture struct {
	hub        *Hub
	svc        *service.ChatService
	stores     repository.Stores
	det        *service.Detacher
	srv        *httptest.Server
	principals map[string]model.Principal
}

// newHubFixture поднимает хаб и тестовый сервер: участник выбирается параметром ?as=.
func newHubFixture(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	stores := memory.New()
	det := service.NewDetacher(time.Second)
	svc := service.NewChatService(stores, det)
	f := &hubFixture{svc: svc, stores: stores, det: det, principals: map[string]model.Principal{}}
	f.hub = NewHub(svc, det, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := f.principals[r.URL.Query().Get("as")]
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(f.hub, conn, p)
		c.Start(cctx, ccancel)
		f.hub.Register(c)
	}))
	t.Cleanup(func() {
		cancel()
		f.srv.Close()
		det.Wait()
	})
	return f
}

func (f *hubFixture) user(t *testing.T, id string, role model.Role) model.Principal {
	t.Helper()
	u := &model.User{ID: id, Name: strings.ToUpper(id), Email: id + "@example.com", Role: role}
	if err := f.stores.Principals.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	p := model.Principal{Ref: model.PrincipalRef{ID: id, Kind: model.PrincipalUser}, Role: role, UserID: id, Name: u.Name}
	f.principals[id] = p
	return p
}

func (f *hubFixture) dial(t *testing.T, as string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?as=" + as
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", as, err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return f.hub.IsOnline(f.principals[as].Ref) })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expect читает события, пока не встретит нужный тип.
func expect(t *testing.T, conn *websocket.Conn, typ EventType) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env.Payload
		}
	}
}

// expectNothing проверяет, что в течение короткого окна не пришло событие данного типа.
func expectNothing(t *testing.T, conn *websocket.Conn, typ EventType) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == typ {
			t.Fatalf("unexpected %s event: %s", typ, env.Payload)
		}
	}
}

func joinAll(t *testing.T, conn *websocket.Conn) GroupsJoinedPayload {
	t.Helper()
	send(t, conn, IncomingMessage{Type: CmdJoinGroups})
	var p GroupsJoinedPayload
	if err := json.Unmarshal(expect(t, conn, EventGroupsJoined), &p); err != nil {
		t.Fatalf("decode groups_joined: %v", err)
	}
	return p
}

func TestSendMessageFansOutToRoom(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	f.user(t, "eve", model.RoleUser)
	g, err := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	ca, cb, ce := f.dial(t, "alice"), f.dial(t, "bob"), f.dial(t, "eve")
	if p := joinAll(t, ca); p.Count != 1 || p.GroupIDs[0] != g.ID {
		t.Fatalf("alice joined %+v", p)
	}
	joinAll(t, cb)
	if p := joinAll(t, ce); p.Count != 0 {
		t.Fatalf("eve must not join foreign groups: %+v", p)
	}
	// Повторный join_groups ничего не ломает.
	joinAll(t, ca)

	send(t, ca, IncomingMessage{Type: CmdSendMessage, GroupID: g.ID, Content: "hi"})
	for _, conn := range []*websocket.Conn{ca, cb} {
		var m model.MessageView
		if err := json.Unmarshal(expect(t, conn, EventNewMessage), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Content != "hi" || m.Sender.User.ID != "alice" || m.IsDeleted {
			t.Errorf("unexpected message %+v", m)
		}
	}
	expectNothing(t, ce, EventNewMessage)
}

func TestCommandErrorsGoToSenderOnly(t *testing.T) {
	f := newHubFixture(t, Options{})
	admin := f.user(t, "root", model.RoleAdmin)
	f.user(t, "bob", model.RoleUser)
	f.user(t, "eve", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), admin, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})
	if err := f.svc.SetMuted(context.Background(), admin, g.ID, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}

	cb, ce := f.dial(t, "bob"), f.dial(t, "eve")
	joinAll(t, cb)
	send(t, ce, IncomingMessage{Type: CmdJoinGroup, GroupID: g.ID})
	expect(t, ce, EventJoinedGroup)

	send(t, cb, IncomingMessage{Type: CmdSendMessage, GroupID: g.ID, Content: "muted?"})
	var perr ErrorPayload
	if err := json.Unmarshal(expect(t, cb, EventError), &perr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if perr.Code != "capability_denied" {
		t.Errorf("code = %q, want capability_denied", perr.Code)
	}
	expectNothing(t, ce, EventError)

	send(t, cb, IncomingMessage{Type: "bogus"})
	if err := json.Unmarshal(expect(t, cb, EventError), &perr); err != nil || perr.Code != "invalid_argument" {
		t.Errorf("unknown command: %+v %v", perr, err)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})

	ca, cb := f.dial(t, "alice"), f.dial(t, "bob")
	joinAll(t, ca)
	joinAll(t, cb)

	send(t, ca, IncomingMessage{Type: CmdTypingStart, GroupID: g.ID})
	var tp TypingPayload
	if err := json.Unmarshal(expect(t, cb, EventUserTyping), &tp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tp.IsTyping || tp.UserID != "alice" || tp.UserKind != model.PrincipalUser || tp.UserName != "ALICE" {
		t.Errorf("typing payload = %+v", tp)
	}
	expectNothing(t, ca, EventUserTyping)

	send(t, ca, IncomingMessage{Type: CmdTypingStop, GroupID: g.ID})
	if err := json.Unmarshal(expect(t, cb, EventUserTyping), &tp); err != nil || tp.IsTyping {
		t.Errorf("typing_stop payload = %+v %v", tp, err)
	}
}

func TestReactionBroadcastsUpdatedMessage(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})
	msg, err := f.svc.SendMessage(context.Background(), a, g.ID, "vote", model.MessageTypeText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ca, cb := f.dial(t, "alice"), f.dial(t, "bob")
	joinAll(t, ca)
	joinAll(t, cb)

	for i, want := range []int{1, 0} {
		send(t, cb, IncomingMessage{Type: CmdAddReaction, MessageID: msg.ID, Emoji: "👍"})
		var m model.MessageView
		if err := json.Unmarshal(expect(t, ca, EventMessageUpdated), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(m.Reactions) != want {
			t.Errorf("toggle %d: reactions = %d, want %d", i, len(m.Reactions), want)
		}
	}
}

func TestLeaveGroupStopsDelivery(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})

	ca, cb := f.dial(t, "alice"), f.dial(t, "bob")
	joinAll(t, ca)
	joinAll(t, cb)
	send(t, cb, IncomingMessage{Type: CmdLeaveGroup, GroupID: g.ID})
	expect(t, cb, EventLeftGroup)

	send(t, ca, IncomingMessage{Type: CmdSendMessage, GroupID: g.ID, Content: "anyone?"})
	expect(t, ca, EventNewMessage)
	expectNothing(t, cb, EventNewMessage)
}

func TestGroupUpdatedRequiresRoom(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	f.user(t, "eve", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob"}})

	ca, cb, ce := f.dial(t, "alice"), f.dial(t, "bob"), f.dial(t, "eve")
	joinAll(t, ca)
	joinAll(t, cb)

	send(t, ce, IncomingMessage{Type: CmdGroupUpdated, GroupID: g.ID, UpdateType: "renamed"})
	expect(t, ce, EventError)

	send(t, ca, IncomingMessage{Type: CmdGroupUpdated, GroupID: g.ID, UpdateType: "renamed", Message: "new name"})
	for _, conn := range []*websocket.Conn{ca, cb} {
		var p GroupUpdatePayload
		if err := json.Unmarshal(expect(t, conn, EventGroupUpdate), &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.UpdateType != "renamed" || p.Message != "new name" || p.Timestamp.IsZero() {
			t.Errorf("group_update = %+v", p)
		}
	}
}

func TestRegistryLastConnectionWins(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)

	first := f.dial(t, "alice")
	second := f.dial(t, "alice")
	// Регистрация второго соединения асинхронна: ждём, пока реестр укажет на него.
	waitFor(t, func() bool {
		f.hub.mu.RLock()
		defer f.hub.mu.RUnlock()
		return len(f.hub.clients) == 2
	})

	out := OutgoingMessage{Type: EventGroupUpdate, Payload: GroupUpdatePayload{GroupID: "g", UpdateType: "ping"}}
	if !f.hub.SendToPrincipal(a.Ref, out) {
		t.Fatal("SendToPrincipal should find a session")
	}
	expect(t, second, EventGroupUpdate)
	expectNothing(t, first, EventGroupUpdate)

	second.Close()
	waitFor(t, func() bool { return !f.hub.IsOnline(a.Ref) })
	if f.hub.SendToPrincipal(a.Ref, out) {
		t.Error("registry entry should be gone after the current session closed")
	}
}

func TestMembershipChangeReachesNewMember(t *testing.T) {
	f := newHubFixture(t, Options{})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops"})

	ca, cb := f.dial(t, "alice"), f.dial(t, "bob")
	joinAll(t, ca)
	joinAll(t, cb)

	change, err := f.svc.AddMembers(context.Background(), a, g.ID, []string{"bob"})
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	f.hub.PublishMembership(context.Background(), change)

	expect(t, ca, EventNewMessage)
	var p GroupUpdatePayload
	if err := json.Unmarshal(expect(t, cb, EventGroupUpdate), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.UpdateType != UpdateMemberAdded || p.GroupID != g.ID || p.SystemMessage == nil {
		t.Errorf("group_update = %+v", p)
	}

	// После join_groups новый участник получает сообщения комнаты.
	if jp := joinAll(t, cb); jp.Count != 1 {
		t.Fatalf("bob joined %+v", jp)
	}
	send(t, ca, IncomingMessage{Type: CmdSendMessage, GroupID: g.ID, Content: "welcome"})
	expect(t, cb, EventNewMessage)
}

func TestPushHintSkipsOnlineMembers(t *testing.T) {
	pusher := &recordingPusher{}
	f := newHubFixture(t, Options{Pusher: pusher})
	a := f.user(t, "alice", model.RoleUser)
	f.user(t, "bob", model.RoleUser)
	f.user(t, "carol", model.RoleUser)
	g, _ := f.svc.CreateGroup(context.Background(), a, service.CreateGroupInput{Name: "Ops", MemberIDs: []string{"bob", "carol"}})

	ca, cb := f.dial(t, "alice"), f.dial(t, "bob")
	joinAll(t, ca)
	joinAll(t, cb)

	send(t, ca, IncomingMessage{Type: CmdSendMessage, GroupID: g.ID, Content: "ping"})
	expect(t, cb, EventNewMessage)
	f.det.Wait()

	got := pusher.got()
	if len(got) != 1 || got[0] != "User:carol" {
		t.Errorf("push owners = %v, want [User:carol]", got)
	}
}

func TestCommandRateLimit(t *testing.T) {
	f := newHubFixture(t, Options{CommandRate: 0.001, CommandBurst: 1})
	f.user(t, "alice", model.RoleUser)
	ca := f.dial(t, "alice")

	joinAll(t, ca)
	send(t, ca, IncomingMessage{Type: CmdJoinGroups})
	var perr ErrorPayload
	if err := json.Unmarshal(expect(t, ca, EventError), &perr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if perr.Message != "too many commands" {
		t.Errorf("error = %+v", perr)
	}
}

func TestPushBodyTruncates(t *testing.T) {
	long := strings.Repeat("я", 200)
	got := pushBody(&model.MessageView{Type: model.MessageTypeText, Content: long})
	if n := len([]rune(got)); n != 120 {
		t.Errorf("len = %d, want 120", n)
	}
	if got := pushBody(&model.MessageView{Type: model.MessageTypeFile, FileName: "a.pdf"}); got != "Attachment: a.pdf" {
		t.Errorf("file body = %q", got)
	}
}

// rawConn возвращает клиентскую сторону соединения с сервером, который ничего не делает.
func rawConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		t.Cleanup(func() { conn.Close() })
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// Команда join_group может обогнать регистрацию, а Unregister может дойти до хаба
// раньше Register. Закрытый клиент не должен остаться ни в комнатах, ни в реестре.
func TestUnregisterBeforeRegisterCleansRooms(t *testing.T) {
	hub := NewHub(nil, nil, Options{})
	ref := model.PrincipalRef{ID: "late", Kind: model.PrincipalUser}
	c := NewClient(hub, rawConn(t), model.Principal{Ref: ref, Role: model.RoleUser})

	hub.join(c, "g1")
	c.Close()
	hub.removeClient(c)
	hub.addClient(c)
	// Поздняя команда закрытого клиента тоже ничего не добавляет.
	hub.join(c, "g2")

	hub.mu.RLock()
	rooms, clients := len(hub.rooms), len(hub.clients)
	hub.mu.RUnlock()
	if rooms != 0 {
		t.Errorf("rooms = %d, want 0", rooms)
	}
	if clients != 0 {
		t.Errorf("clients = %d, want 0", clients)
	}
	if hub.IsOnline(ref) {
		t.Error("closed client is still registered")
	}
}
