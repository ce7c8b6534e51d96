// Package mongo — хранилище чата в MongoDB. Группа хранится одним документом
// вместе с участниками, сообщение — вместе с реакциями и отметками о прочтении,
// поэтому каждое изменение — одна атомарная операция над документом.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/docchat/internal/repository"
)

const (
	collGroups    = "chat_groups"
	collMessages  = "chat_messages"
	collUsers     = "users"
	collSubAdmins = "subadmins"
)

// caseInsensitive — сравнение email без учёта регистра (индекс и поиск должны совпадать).
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// Connect открывает клиент и проверяет доступность сервера.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// New создаёт индексы и возвращает набор хранилищ поверх базы. Close отключает клиент.
func New(ctx context.Context, client *mongo.Client, dbName string) (repository.Stores, error) {
	db := client.Database(dbName)
	groups := NewGroupStore(db)
	messages := NewMessageStore(db)
	principals := NewPrincipalStore(db)
	for _, ensure := range []func(context.Context) error{
		groups.EnsureIndexes, messages.EnsureIndexes, principals.EnsureIndexes,
	} {
		if err := ensure(ctx); err != nil {
			return repository.Stores{}, fmt.Errorf("mongo indexes: %w", err)
		}
	}
	return repository.Stores{
		Groups:     groups,
		Messages:   messages,
		Principals: principals,
		Close:      client.Disconnect,
	}, nil
}

func notFound(err error) error {
	if err == mongo.ErrNoDocuments {
		return repository.ErrNotFound
	}
	return err
}

func byID(id string) bson.M { return bson.M{"_id": id} }
