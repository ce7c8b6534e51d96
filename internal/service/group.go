package service

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/docchat/internal/apperr"
	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

const (
	DefaultGroupName        = "SubAdmins"
	DefaultGroupDescription = "Default group for all subadmins"

	ManageActionDelete = "delete"
	ManageActionMute   = "mute"
)

type CreateGroupInput struct {
	Name        string
	Description string
	Kind        model.GroupKind
	MemberIDs   []string
}

// MembershipChange — итог изменения состава группы, нужный для рассылки событий.
type MembershipChange struct {
	GroupID string
	Added   []model.PrincipalRef
	Removed string
	// Message — созданное системное сообщение; nil, если сообщения не было.
	Message *model.MessageView
}

// loadGroup возвращает активную группу. Неактивная группа для всех операций не существует.
func (s *ChatService) loadGroup(ctx context.Context, id string) (*model.Group, error) {
	g, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr("loadGroup", err, "chat group not found")
	}
	if !g.IsActive {
		return nil, apperr.NotFound("chat group not found")
	}
	return g, nil
}

// accessibleGroup загружает группу и проверяет право allowed. Не-администратор получает
// один и тот же отказ denied для чужой и для несуществующей группы, чтобы по ответу
// нельзя было узнать, какие группы есть.
func (s *ChatService) accessibleGroup(ctx context.Context, p model.Principal, id string,
	allowed func(model.Principal, *model.Group) bool, denied error) (*model.Group, error) {
	g, err := s.loadGroup(ctx, id)
	if err != nil {
		if !p.IsAdmin() && apperr.KindOf(err) == apperr.KindNotFound {
			return nil, denied
		}
		return nil, err
	}
	if !allowed(p, g) {
		return nil, denied
	}
	return g, nil
}

func (s *ChatService) CreateGroup(ctx context.Context, p model.Principal, in CreateGroupInput) (*model.GroupView, error) {
	name := cleanText(in.Name)
	description := cleanText(in.Description)
	switch {
	case name == "":
		return nil, apperr.Invalid("group name is required")
	case utf8.RuneCountInString(name) > model.MaxGroupNameLen:
		return nil, apperr.Invalid(fmt.Sprintf("group name must be at most %d characters", model.MaxGroupNameLen))
	case utf8.RuneCountInString(description) > model.MaxGroupDescriptionLen:
		return nil, apperr.Invalid(fmt.Sprintf("description must be at most %d characters", model.MaxGroupDescriptionLen))
	}
	kind := in.Kind
	if kind == "" {
		kind = model.GroupKindPrivate
	}
	switch {
	case !kind.Valid():
		return nil, apperr.Invalid("invalid group kind")
	case kind == model.GroupKindDefault:
		return nil, apperr.Invalid("default group is managed by the system")
	case kind == model.GroupKindAdmin && !p.IsAdmin():
		return nil, apperr.Denied("only admins can create admin groups")
	}

	now := s.now()
	members, err := s.resolveMembers(ctx, in.MemberIDs, func(id string) bool { return id == p.Ref.ID }, now)
	if err != nil {
		return nil, err
	}
	g := &model.Group{
		ID:          s.newID(),
		Name:        name,
		Description: description,
		Kind:        kind,
		Members: append([]model.Member{{
			Principal: p.Ref,
			Role:      model.GroupRoleAdmin,
			JoinedAt:  now,
		}}, members...),
		CreatedBy:      p.Ref,
		IsActive:       true,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.groups.Create(ctx, g); err != nil {
		return nil, storeErr("CreateGroup", err, "")
	}
	return s.newViewer().group(ctx, g)
}

// ListGroupsFor: администратор получает все активные группы, остальные — группы с членством.
// Порядок — по последней активности, новые первыми.
func (s *ChatService) ListGroupsFor(ctx context.Context, p model.Principal) ([]model.GroupView, error) {
	var (
		groups []model.Group
		err    error
	)
	if p.IsAdmin() {
		groups, err = s.groups.ListActive(ctx)
	} else {
		groups, err = s.groups.ListForPrincipal(ctx, p.Ref)
	}
	if err != nil {
		return nil, storeErr("ListGroupsFor", err, "")
	}
	v := s.newViewer()
	out := make([]model.GroupView, 0, len(groups))
	for i := range groups {
		gv, err := v.group(ctx, &groups[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *gv)
	}
	return out, nil
}

// GroupIDsFor — id комнат, к которым участник сейчас имеет доступ.
func (s *ChatService) GroupIDsFor(ctx context.Context, p model.Principal) ([]string, error) {
	var (
		groups []model.Group
		err    error
	)
	if p.IsAdmin() {
		groups, err = s.groups.ListActive(ctx)
	} else {
		groups, err = s.groups.ListForPrincipal(ctx, p.Ref)
	}
	if err != nil {
		return nil, storeErr("GroupIDsFor", err, "")
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// GroupMembers возвращает участников активной группы без проверки прав (для рассылок).
func (s *ChatService) GroupMembers(ctx context.Context, groupID string) ([]model.PrincipalRef, error) {
	g, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return g.MemberRefs(), nil
}

// EnsureDefaultSubAdminGroup создаёт единственную группу kind=default с субадмином
// и приветствием либо добавляет в неё субадмина с системным сообщением о вступлении.
// Повторный вызов для того же субадмина ничего не меняет.
func (s *ChatService) EnsureDefaultSubAdminGroup(ctx context.Context, subAdminID string) (*MembershipChange, error) {
	defer logger.DeferLogDuration("service.EnsureDefaultSubAdminGroup", s.now())()
	ref := model.PrincipalRef{ID: subAdminID, Kind: model.PrincipalSubAdmin}
	if _, err := s.principals.GetSubAdmin(ctx, subAdminID); err != nil {
		return nil, storeErr("EnsureDefaultSubAdminGroup", err, "subadmin not found")
	}
	v := s.newViewer()
	pv, err := v.principal(ctx, ref)
	if err != nil {
		return nil, err
	}

	g, err := s.groups.GetDefault(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		var (
			change  *MembershipChange
			created bool
		)
		change, created, err = s.createDefaultGroup(ctx, ref)
		if err != nil || created {
			return change, err
		}
		// Группу успел создать параллельный вызов.
		g, err = s.groups.GetDefault(ctx)
	}
	if err != nil {
		return nil, storeErr("EnsureDefaultSubAdminGroup", err, "default group not found")
	}
	if g.HasMemberID(subAdminID) {
		return &MembershipChange{GroupID: g.ID}, nil
	}

	now := s.now()
	added, err := s.groups.AddMembers(ctx, g.ID, []model.Member{{Principal: ref, Role: model.GroupRoleMember, JoinedAt: now}}, now)
	if err != nil {
		return nil, storeErr("EnsureDefaultSubAdminGroup", err, "default group not found")
	}
	change := &MembershipChange{GroupID: g.ID}
	if len(added) == 0 {
		return change, nil
	}
	change.Added = []model.PrincipalRef{ref}
	change.Message, err = s.postSystemMessage(ctx, v, g.ID, ref, fmt.Sprintf("%s joined the group", pv.Name))
	return change, err
}

func (s *ChatService) createDefaultGroup(ctx context.Context, ref model.PrincipalRef) (*MembershipChange, bool, error) {
	now := s.now()
	g := &model.Group{
		ID:             s.newID(),
		Name:           DefaultGroupName,
		Description:    DefaultGroupDescription,
		Kind:           model.GroupKindDefault,
		Members:        []model.Member{{Principal: ref, Role: model.GroupRoleMember, JoinedAt: now}},
		CreatedBy:      ref,
		IsActive:       true,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.groups.Create(ctx, g); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, false, nil
		}
		return nil, false, storeErr("createDefaultGroup", err, "")
	}
	msg, err := s.postSystemMessage(ctx, s.newViewer(), g.ID, ref, "Welcome to the "+DefaultGroupName+" group")
	return &MembershipChange{GroupID: g.ID, Added: []model.PrincipalRef{ref}, Message: msg}, true, err
}

// AddMembers добавляет разрешённых кандидатов, которых ещё нет в группе. Системное
// сообщение создаётся, только если кто-то действительно добавлен.
func (s *ChatService) AddMembers(ctx context.Context, p model.Principal, groupID string, memberIDs []string) (*MembershipChange, error) {
	g, err := s.accessibleGroup(ctx, p, groupID, CanAdminister, apperr.Denied("only group admins can add members"))
	if err != nil {
		return nil, err
	}
	now := s.now()
	candidates, err := s.resolveMembers(ctx, memberIDs, g.HasMemberID, now)
	if err != nil {
		return nil, err
	}
	added, err := s.groups.AddMembers(ctx, g.ID, candidates, now)
	if err != nil {
		return nil, storeErr("AddMembers", err, "chat group not found")
	}
	change := &MembershipChange{GroupID: g.ID, Added: make([]model.PrincipalRef, 0, len(added))}
	for _, m := range added {
		change.Added = append(change.Added, m.Principal)
	}
	if len(added) == 0 {
		return change, nil
	}
	change.Message, err = s.postSystemMessage(ctx, s.newViewer(), g.ID, p.Ref, fmt.Sprintf("%d member(s) added to the group", len(added)))
	return change, err
}

// RemoveMember удаляет все записи с данным id. Системное сообщение создаётся всегда,
// даже если никого не нашли.
func (s *ChatService) RemoveMember(ctx context.Context, p model.Principal, groupID, memberID string) (*MembershipChange, error) {
	g, err := s.accessibleGroup(ctx, p, groupID, CanAdminister, apperr.Denied("only group admins can remove members"))
	if err != nil {
		return nil, err
	}
	if _, err := s.groups.RemoveMember(ctx, g.ID, memberID, s.now()); err != nil {
		return nil, storeErr("RemoveMember", err, "chat group not found")
	}
	change := &MembershipChange{GroupID: g.ID, Removed: memberID}
	change.Message, err = s.postSystemMessage(ctx, s.newViewer(), g.ID, p.Ref, "A member was removed from the group")
	return change, err
}

// SetMuted и Deactivate доступны только глобальному администратору; роль в группе не помогает.
func (s *ChatService) SetMuted(ctx context.Context, p model.Principal, groupID string, muted bool) error {
	if err := requireGlobalAdmin(p); err != nil {
		return err
	}
	g, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.groups.SetMuted(ctx, g.ID, muted); err != nil {
		return storeErr("SetMuted", err, "chat group not found")
	}
	return nil
}

// Deactivate необратим: операции повторной активации нет.
func (s *ChatService) Deactivate(ctx context.Context, p model.Principal, groupID string) error {
	if err := requireGlobalAdmin(p); err != nil {
		return err
	}
	g, err := s.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.groups.Deactivate(ctx, g.ID); err != nil {
		return storeErr("Deactivate", err, "chat group not found")
	}
	logger.L().Info("chat group deactivated", zap.String("group_id", g.ID), zap.String("by", p.Ref.String()))
	return nil
}

// Manage — единая точка администрирования группы: action=delete или action=mute.
func (s *ChatService) Manage(ctx context.Context, p model.Principal, groupID, action string, muted bool) error {
	if err := requireGlobalAdmin(p); err != nil {
		return err
	}
	switch action {
	case ManageActionDelete:
		return s.Deactivate(ctx, p, groupID)
	case ManageActionMute:
		return s.SetMuted(ctx, p, groupID, muted)
	default:
		return apperr.Invalid("invalid action")
	}
}
