// Package ws — слой живых сессий: комнаты групп, реестр подключённых участников
// и рассылка событий, уже применённых к хранилищу.
package ws

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/metrics"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/push"
	"github.com/docchat/internal/service"
)

// ChatEngine — операции ядра, которые вызывают команды сессии.
type ChatEngine interface {
	GroupIDsFor(ctx context.Context, p model.Principal) ([]string, error)
	GroupMembers(ctx context.Context, groupID string) ([]model.PrincipalRef, error)
	SendMessage(ctx context.Context, p model.Principal, groupID, content string, typ model.MessageType) (*model.MessageView, error)
	ToggleReaction(ctx context.Context, p model.Principal, messageID, emoji string) (*service.ReactionResult, error)
}

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, owner string, n push.Notification) (int, error)
}

type Options struct {
	MaxConns     int
	SendBuffer   int
	CommandRate  float64
	CommandBurst int
	Pusher       PushNotifier
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = sendBufSize
	}
	if o.CommandRate <= 0 {
		o.CommandRate = 20
	}
	if o.CommandBurst <= 0 {
		o.CommandBurst = 40
	}
	return o
}

// Hub — менеджер сессий одного процесса. Создаётся один раз и передаётся
// обработчикам явно.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	sessions map[model.PrincipalRef]*Client
	rooms    map[string]map[*Client]struct{}

	engine   ChatEngine
	detached *service.Detacher
	opts     Options
	now      func() time.Time

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(engine ChatEngine, detached *service.Detacher, opts Options) *Hub {
	if detached == nil {
		detached = service.NewDetacher(0)
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		sessions:   make(map[model.PrincipalRef]*Client),
		rooms:      make(map[string]map[*Client]struct{}),
		engine:     engine,
		detached:   detached,
		opts:       opts.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// done закрывается до shutdown: pumps завершающихся клиентов не должны
			// блокироваться на Unregister.
			close(h.done)
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*Client]struct{})
	h.sessions = make(map[model.PrincipalRef]*Client)
	h.rooms = make(map[string]map[*Client]struct{})
	h.updateGauges()
	h.mu.Unlock()

	// Сетевой ввод-вывод вне блокировки.
	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	select {
	case <-c.done:
		// Соединение закрылось раньше, чем дошла регистрация.
		return
	default:
	}
	h.mu.Lock()
	if len(h.clients) >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting %s", h.opts.MaxConns, c.principal.Ref)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	// Последнее подключение побеждает; прежнее соединение не закрывается,
	// но прямые отправки идут уже в новое.
	h.sessions[c.principal.Ref] = c
	h.updateGauges()
	h.mu.Unlock()
	logger.Debugf("ws connected %s", c.principal.Ref)
}

// removeClient чистит комнаты даже для клиента, чья регистрация ещё не дошла:
// readPump мог успеть выполнить join_group до addClient.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	_, registered := h.clients[c]
	delete(h.clients, c)
	if h.sessions[c.principal.Ref] == c {
		delete(h.sessions, c.principal.Ref)
	}
	for groupID := range c.rooms {
		h.leaveLocked(c, groupID)
	}
	h.updateGauges()
	h.mu.Unlock()

	c.Close()
	if registered {
		logger.Debugf("ws disconnected %s", c.principal.Ref)
	}
}

func (h *Hub) updateGauges() {
	metrics.ActiveSessions.Set(float64(len(h.clients)))
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
}

func (h *Hub) join(c *Client, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-c.done:
		// Закрытый клиент уже снят или будет снят removeClient; в комнату не добавляем.
		return
	default:
	}
	room, ok := h.rooms[groupID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[groupID] = room
	}
	room[c] = struct{}{}
	c.rooms[groupID] = struct{}{}
	h.updateGauges()
}

func (h *Hub) leave(c *Client, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, groupID)
	h.updateGauges()
}

func (h *Hub) leaveLocked(c *Client, groupID string) {
	delete(c.rooms, groupID)
	room, ok := h.rooms[groupID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, groupID)
	}
}

func (h *Hub) inRoom(c *Client, groupID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[groupID]
	return ok
}

// IsOnline сообщает, есть ли у участника зарегистрированная сессия.
func (h *Hub) IsOnline(ref model.PrincipalRef) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[ref]
	return ok
}

// HandleMessage dispatches incoming WebSocket commands. Ошибка команды уходит
// только в исходное соединение.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	label := commandLabel(msg.Type)
	if !c.limiter.Allow() {
		metrics.Commands.WithLabelValues(label, "rate_limited").Inc()
		h.sendError(c, apperr.Invalid("too many commands"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch msg.Type {
	case CmdJoinGroups:
		err = h.handleJoinGroups(ctx, c)
	case CmdJoinGroup:
		err = h.handleJoinGroup(c, msg)
	case CmdLeaveGroup:
		err = h.handleLeaveGroup(c, msg)
	case CmdSendMessage:
		err = h.handleSendMessage(ctx, c, msg)
	case CmdAddReaction:
		err = h.handleAddReaction(ctx, c, msg)
	case CmdTypingStart:
		err = h.handleTyping(c, msg, true)
	case CmdTypingStop:
		err = h.handleTyping(c, msg, false)
	case CmdGroupUpdated:
		err = h.handleGroupUpdated(c, msg)
	default:
		err = apperr.Invalid("unknown event type")
	}

	outcome := "ok"
	if err != nil {
		kind := apperr.KindOf(err)
		outcome = string(kind)
		if kind == apperr.KindUpstreamFailure || kind == apperr.KindInternal {
			logger.L().Warn("ws command failed",
				zap.String("type", label), zap.Stringer("principal", c.principal.Ref), zap.Error(err))
		}
		h.sendError(c, err)
	}
	metrics.Commands.WithLabelValues(label, outcome).Inc()
}

func commandLabel(t EventType) string {
	switch t {
	case CmdJoinGroups, CmdJoinGroup, CmdLeaveGroup, CmdSendMessage,
		CmdAddReaction, CmdTypingStart, CmdTypingStop, CmdGroupUpdated:
		return string(t)
	}
	return "unknown"
}

// handleJoinGroups заново вычисляет доступные группы и входит во все их комнаты.
// Повторный вызов безопасен: клиент вызывает его после каждого переподключения.
func (h *Hub) handleJoinGroups(ctx context.Context, c *Client) error {
	defer logger.DeferLogDuration("ws.handleJoinGroups", time.Now())()
	ids, err := h.engine.GroupIDsFor(ctx, c.principal)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h.join(c, id)
	}
	h.sendToClient(c, OutgoingMessage{Type: EventGroupsJoined, Payload: GroupsJoinedPayload{Count: len(ids), GroupIDs: ids}})
	return nil
}

// join_group и leave_group не проверяют доступ: это ручное управление комнатами,
// которые уже выдал join_groups.
func (h *Hub) handleJoinGroup(c *Client, msg IncomingMessage) error {
	if msg.GroupID == "" {
		return apperr.Invalid("group_id is required")
	}
	h.join(c, msg.GroupID)
	h.sendToClient(c, OutgoingMessage{Type: EventJoinedGroup, Payload: GroupRoomPayload{GroupID: msg.GroupID}})
	return nil
}

func (h *Hub) handleLeaveGroup(c *Client, msg IncomingMessage) error {
	if msg.GroupID == "" {
		return apperr.Invalid("group_id is required")
	}
	h.leave(c, msg.GroupID)
	h.sendToClient(c, OutgoingMessage{Type: EventLeftGroup, Payload: GroupRoomPayload{GroupID: msg.GroupID}})
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.GroupID == "" {
		return apperr.Invalid("group_id is required")
	}
	view, err := h.engine.SendMessage(ctx, c.principal, msg.GroupID, msg.Content, msg.MessageType)
	if err != nil {
		return err
	}
	h.PublishNewMessage(ctx, view)
	return nil
}

func (h *Hub) handleAddReaction(ctx context.Context, c *Client, msg IncomingMessage) error {
	if msg.MessageID == "" {
		return apperr.Invalid("message_id is required")
	}
	res, err := h.engine.ToggleReaction(ctx, c.principal, msg.MessageID, msg.Emoji)
	if err != nil {
		return err
	}
	h.PublishMessageUpdated(res.Message)
	return nil
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage, typing bool) error {
	if msg.GroupID == "" {
		return apperr.Invalid("group_id is required")
	}
	h.BroadcastToGroup(msg.GroupID, OutgoingMessage{Type: EventUserTyping, Payload: TypingPayload{
		GroupID:  msg.GroupID,
		UserID:   c.principal.Ref.ID,
		UserKind: c.principal.Ref.Kind,
		UserName: c.principal.Name,
		IsTyping: typing,
	}}, c)
	return nil
}

// handleGroupUpdated пересылает клиентское уведомление об изменении группы всей
// комнате. Отправитель должен сам состоять в комнате.
func (h *Hub) handleGroupUpdated(c *Client, msg IncomingMessage) error {
	if msg.GroupID == "" || msg.UpdateType == "" {
		return apperr.Invalid("group_id and update_type are required")
	}
	if !h.inRoom(c, msg.GroupID) {
		return apperr.Denied("join the group room first")
	}
	h.BroadcastToGroup(msg.GroupID, OutgoingMessage{Type: EventGroupUpdate, Payload: GroupUpdatePayload{
		GroupID:    msg.GroupID,
		UpdateType: msg.UpdateType,
		Message:    msg.Message,
		Timestamp:  h.now(),
	}}, nil)
	return nil
}

// PublishNewMessage рассылает сохранённое сообщение комнате группы, а участникам
// без сессии отправляет пуш-подсказку.
func (h *Hub) PublishNewMessage(ctx context.Context, m *model.MessageView) {
	if m == nil {
		return
	}
	h.schedulePushHint(ctx, m)
	h.BroadcastToGroup(m.GroupID, OutgoingMessage{Type: EventNewMessage, Payload: m}, nil)
}

func (h *Hub) PublishMessageUpdated(m *model.MessageView) {
	if m == nil {
		return
	}
	h.BroadcastToGroup(m.GroupID, OutgoingMessage{Type: EventMessageUpdated, Payload: m}, nil)
}

// PublishMembership рассылает итог изменения состава: системное сообщение,
// group_update в комнату и прямое уведомление добавленным (их ещё нет в комнате).
// Сессии удалённого участника покидают комнату.
func (h *Hub) PublishMembership(ctx context.Context, change *service.MembershipChange) {
	if change == nil {
		return
	}
	if change.Message != nil {
		h.PublishNewMessage(ctx, change.Message)
	}
	if len(change.Added) > 0 {
		out := OutgoingMessage{Type: EventGroupUpdate, Payload: GroupUpdatePayload{
			GroupID:       change.GroupID,
			UpdateType:    UpdateMemberAdded,
			SystemMessage: change.Message,
			Timestamp:     h.now(),
		}}
		h.BroadcastToGroup(change.GroupID, out, nil)
		for _, ref := range change.Added {
			h.SendToPrincipal(ref, out)
		}
	}
	if change.Removed != "" {
		h.BroadcastToGroup(change.GroupID, OutgoingMessage{Type: EventGroupUpdate, Payload: GroupUpdatePayload{
			GroupID:       change.GroupID,
			UpdateType:    UpdateMemberRemoved,
			SystemMessage: change.Message,
			Timestamp:     h.now(),
		}}, nil)
		h.evict(change.GroupID, change.Removed)
	}
}

// PublishGroupState сообщает комнате о смене mute или деактивации. После
// деактивации комната расформировывается.
func (h *Hub) PublishGroupState(groupID, updateType string) {
	h.BroadcastToGroup(groupID, OutgoingMessage{Type: EventGroupUpdate, Payload: GroupUpdatePayload{
		GroupID:    groupID,
		UpdateType: updateType,
		Timestamp:  h.now(),
	}}, nil)
	if updateType == UpdateDeactivated {
		h.evict(groupID, "")
	}
}

// evict убирает из комнаты сессии участника с данным id (пустой id — все сессии).
func (h *Hub) evict(groupID, principalID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[groupID] {
		if principalID == "" || c.principal.Ref.ID == principalID {
			h.leaveLocked(c, groupID)
		}
	}
	h.updateGauges()
}

// BroadcastToGroup отправляет событие всем сессиям комнаты, кроме except.
// Возвращает число сессий, которым событие поставлено в очередь.
func (h *Hub) BroadcastToGroup(groupID string, msg OutgoingMessage, except *Client) int {
	h.mu.RLock()
	room := h.rooms[groupID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if h.sendToClient(c, msg) {
			n++
		}
	}
	metrics.FanOut.WithLabelValues(string(msg.Type)).Add(float64(n))
	return n
}

// SendToPrincipal отправляет событие текущей сессии участника, если она есть.
func (h *Hub) SendToPrincipal(ref model.PrincipalRef, msg OutgoingMessage) bool {
	h.mu.RLock()
	c, ok := h.sessions[ref]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.sendToClient(c, msg)
}

func (h *Hub) sendError(c *Client, err error) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{
		Message: apperr.Message(err),
		Code:    string(apperr.KindOf(err)),
	}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		// Backpressure: send buffer full, close slow client.
		metrics.SlowClients.Inc()
		logger.Errorf("ws send buffer full, closing slow client %s", c.principal.Ref)
		c.Close()
		return false
	}
}

// schedulePushHint в фоне уведомляет участников группы без живой сессии.
func (h *Hub) schedulePushHint(ctx context.Context, m *model.MessageView) {
	if h.opts.Pusher == nil || m.Type == model.MessageTypeSystem {
		return
	}
	sender := model.PrincipalRef{ID: m.Sender.User.ID, Kind: m.Sender.Kind}
	note := push.Notification{
		Title: m.Sender.User.Name,
		Body:  pushBody(m),
		Data:  map[string]string{"group_id": m.GroupID, "message_id": m.ID},
	}
	h.detached.Go(ctx, "push_hint", func(ctx context.Context) error {
		members, err := h.engine.GroupMembers(ctx, m.GroupID)
		if err != nil {
			return err
		}
		for _, ref := range members {
			if ref.Equal(sender) || h.IsOnline(ref) {
				continue
			}
			if _, err := h.opts.Pusher.Notify(ctx, ref.String(), note); err != nil {
				logger.L().Warn("push hint failed", zap.Stringer("principal", ref), zap.Error(err))
			}
		}
		return nil
	})
}

func pushBody(m *model.MessageView) string {
	if m.Type.IsFile() {
		return "Attachment: " + m.FileName
	}
	body := strings.TrimSpace(m.Content)
	if utf8.RuneCountInString(body) > 120 {
		body = string([]rune(body)[:117]) + "..."
	}
	return body
}

func (h *Hub) Register(c *Client) {
	select {
	case <-h.done:
		c.Close()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
