// Package memory — хранилище чата в памяти процесса. Используется в тестах
// и при store_driver=memory; семантика совпадает с postgres и mongo.
package memory

import (
	"context"
	"sync"

	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type db struct {
	mu        sync.RWMutex
	groups    map[string]*model.Group
	messages  map[string]*model.Message
	users     map[string]*model.User
	subAdmins map[string]*model.SubAdmin
}

// New создаёт пустое хранилище и возвращает набор его коллекций.
func New() repository.Stores {
	d := &db{
		groups:    make(map[string]*model.Group),
		messages:  make(map[string]*model.Message),
		users:     make(map[string]*model.User),
		subAdmins: make(map[string]*model.SubAdmin),
	}
	return repository.Stores{
		Groups:     &GroupStore{db: d},
		Messages:   &MessageStore{db: d},
		Principals: &PrincipalStore{db: d},
		Close:      func(context.Context) error { return nil },
	}
}

func copyGroup(g *model.Group) model.Group {
	out := *g
	out.Members = append([]model.Member(nil), g.Members...)
	return out
}

func copyMessage(m *model.Message) model.Message {
	out := *m
	out.Reactions = append([]model.Reaction(nil), m.Reactions...)
	out.ReadBy = append([]model.ReadReceipt(nil), m.ReadBy...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
