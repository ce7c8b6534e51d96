package service

import (
	"context"
	"errors"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

const unknownPrincipalName = "Deleted user"

// viewer разрешает ссылки на участников в отображаемые данные. Кэш живёт
// в пределах одного вызова: список из 50 сообщений не должен делать 50 одинаковых запросов.
type viewer struct {
	principals repository.PrincipalStore
	messages   repository.MessageStore
	cache      map[model.PrincipalRef]model.PrincipalView
}

func (s *ChatService) newViewer() *viewer {
	return &viewer{
		principals: s.principals,
		messages:   s.messages,
		cache:      make(map[model.PrincipalRef]model.PrincipalView),
	}
}

// PrincipalView: для субадмина отображается id субадмина, а имя и email — его пользователя-подложки.
func (v *viewer) principal(ctx context.Context, ref model.PrincipalRef) (model.PrincipalView, error) {
	if pv, ok := v.cache[ref]; ok {
		return pv, nil
	}
	pv, err := v.lookup(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		pv, err = model.PrincipalView{ID: ref.ID, Kind: ref.Kind, Name: unknownPrincipalName}, nil
	}
	if err != nil {
		return model.PrincipalView{}, storeErr("viewer.principal", err, "")
	}
	v.cache[ref] = pv
	return pv, nil
}

func (v *viewer) lookup(ctx context.Context, ref model.PrincipalRef) (model.PrincipalView, error) {
	userID := ref.ID
	if ref.Kind == model.PrincipalSubAdmin {
		sa, err := v.principals.GetSubAdmin(ctx, ref.ID)
		if err != nil {
			return model.PrincipalView{}, err
		}
		userID = sa.UserID
	}
	u, err := v.principals.GetUser(ctx, userID)
	if err != nil {
		return model.PrincipalView{}, err
	}
	return model.PrincipalView{ID: ref.ID, Kind: ref.Kind, Name: u.Name, Email: u.Email}, nil
}

func (v *viewer) message(ctx context.Context, m *model.Message) (*model.MessageView, error) {
	sender, err := v.principal(ctx, m.Sender)
	if err != nil {
		return nil, err
	}
	out := &model.MessageView{
		ID:              m.ID,
		GroupID:         m.GroupID,
		Sender:          model.SenderView{User: sender, Kind: m.Sender.Kind},
		Type:            m.Type,
		Content:         m.Content,
		FileURL:         m.FileURL,
		FileName:        m.FileName,
		FileSize:        m.FileSize,
		Reactions:       make([]model.ReactionView, 0, len(m.Reactions)),
		ReactionSummary: summarize(m.Reactions),
		IsEdited:        m.IsEdited,
		EditedAt:        m.EditedAt,
		IsDeleted:       m.IsDeleted,
		DeletedAt:       m.DeletedAt,
		ReadBy:          m.ReadBy,
		CreatedAt:       m.CreatedAt,
	}
	if out.ReadBy == nil {
		out.ReadBy = []model.ReadReceipt{}
	}
	for _, r := range m.Reactions {
		pv, err := v.principal(ctx, r.Principal)
		if err != nil {
			return nil, err
		}
		out.Reactions = append(out.Reactions, model.ReactionView{User: pv, Emoji: r.Emoji, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// summarize считает реакции по emoji в порядке первого появления.
func summarize(reactions []model.Reaction) []model.ReactionCount {
	out := make([]model.ReactionCount, 0, len(reactions))
	idx := make(map[string]int, len(reactions))
	for _, r := range reactions {
		if i, ok := idx[r.Emoji]; ok {
			out[i].Count++
			continue
		}
		idx[r.Emoji] = len(out)
		out = append(out, model.ReactionCount{Emoji: r.Emoji, Count: 1})
	}
	return out
}

func (v *viewer) group(ctx context.Context, g *model.Group) (*model.GroupView, error) {
	createdBy, err := v.principal(ctx, g.CreatedBy)
	if err != nil {
		return nil, err
	}
	out := &model.GroupView{
		ID:             g.ID,
		Name:           g.Name,
		Description:    g.Description,
		Kind:           g.Kind,
		Members:        make([]model.MemberView, 0, len(g.Members)),
		CreatedBy:      createdBy,
		IsActive:       g.IsActive,
		IsMuted:        g.IsMuted,
		LastActivityAt: g.LastActivityAt,
		CreatedAt:      g.CreatedAt,
	}
	for _, m := range g.Members {
		pv, err := v.principal(ctx, m.Principal)
		if err != nil {
			return nil, err
		}
		out.Members = append(out.Members, model.MemberView{PrincipalView: pv, Role: m.Role, JoinedAt: m.JoinedAt})
	}
	if g.LastMessageID != "" {
		last, err := v.messages.GetByID(ctx, g.LastMessageID)
		switch {
		case err == nil:
			if out.LastMessage, err = v.message(ctx, last); err != nil {
				return nil, err
			}
		case !errors.Is(err, repository.ErrNotFound):
			return nil, storeErr("viewer.group", err, "")
		}
	}
	return out, nil
}
