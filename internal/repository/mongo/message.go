package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/docchat/internal/logger"
	"github.com/docchat/internal/model"
	"github.com/docchat/internal/repository"
)

type MessageStore struct {
	c *mongo.Collection
}

func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{c: db.Collection(collMessages)}
}

func (s *MessageStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// Лента группы
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "is_deleted", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("idx_message_group_feed"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("mongo.message.Create", time.Now())()
	doc := *m
	if doc.Reactions == nil {
		doc.Reactions = []model.Reaction{}
	}
	if doc.ReadBy == nil {
		doc.ReadBy = []model.ReadReceipt{}
	}
	if _, err := s.c.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("mongo.message.Create: %w", err)
	}
	return nil
}

func (s *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("mongo.message.GetByID", time.Now())()
	var m model.Message
	if err := s.c.FindOne(ctx, byID(id)).Decode(&m); err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("mongo.message.GetByID: %w", err)
	}
	return &m, nil
}

func (s *MessageStore) ListByGroup(ctx context.Context, groupID string, skip, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("mongo.message.ListByGroup", time.Now())()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))
	cur, err := s.c.Find(ctx, bson.M{"group_id": groupID, "is_deleted": false}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo.message.ListByGroup find: %w", err)
	}
	messages := make([]model.Message, 0, limit)
	if err := cur.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("mongo.message.ListByGroup decode: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) CountByGroup(ctx context.Context, groupID string) (int64, error) {
	defer logger.DeferLogDuration("mongo.message.CountByGroup", time.Now())()
	n, err := s.c.CountDocuments(ctx, bson.M{"group_id": groupID, "is_deleted": false})
	if err != nil {
		return 0, fmt.Errorf("mongo.message.CountByGroup: %w", err)
	}
	return n, nil
}

// ToggleReaction — одно обновление-конвейер: если такая реакция есть, она вырезается,
// иначе дописывается в конец. Результат определяется по документу до обновления.
func (s *MessageStore) ToggleReaction(ctx context.Context, messageID string, r model.Reaction) (bool, error) {
	defer logger.DeferLogDuration("mongo.message.ToggleReaction", time.Now())()
	same := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{"$$r.principal.id", r.Principal.ID}},
		bson.M{"$eq": bson.A{"$$r.principal.kind", r.Principal.Kind}},
		bson.M{"$eq": bson.A{"$$r.emoji", r.Emoji}},
	}}
	reactions := bson.M{"$ifNull": bson.A{"$reactions", bson.A{}}}
	pipeline := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"reactions": bson.M{"$cond": bson.A{
			bson.M{"$anyElementTrue": bson.A{bson.M{"$map": bson.M{"input": reactions, "as": "r", "in": same}}}},
			bson.M{"$filter": bson.M{"input": reactions, "as": "r", "cond": bson.M{"$not": bson.A{same}}}},
			bson.M{"$concatArrays": bson.A{reactions, bson.A{bson.M{"$literal": r}}}},
		}},
		"updated_at": r.CreatedAt,
	}}}}
	var before model.Message
	err := s.c.FindOneAndUpdate(ctx, byID(messageID), pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return false, err
		}
		return false, fmt.Errorf("mongo.message.ToggleReaction: %w", err)
	}
	return !before.HasReaction(r.Principal, r.Emoji), nil
}

func (s *MessageStore) MarkRead(ctx context.Context, groupID string, ref model.PrincipalRef, at time.Time) (int64, error) {
	defer logger.DeferLogDuration("mongo.message.MarkRead", time.Now())()
	res, err := s.c.UpdateMany(ctx,
		bson.M{
			"group_id":   groupID,
			"is_deleted": false,
			"read_by": bson.M{"$not": bson.M{"$elemMatch": bson.M{
				"principal.id": ref.ID, "principal.kind": ref.Kind,
			}}},
		},
		bson.M{"$push": bson.M{"read_by": model.ReadReceipt{Principal: ref, ReadAt: at}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo.message.MarkRead: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("mongo.message.SoftDelete", time.Now())()
	res, err := s.c.UpdateOne(ctx, byID(messageID), bson.M{"$set": bson.M{
		"is_deleted": true, "deleted_at": at, "updated_at": at,
	}})
	if err != nil {
		return fmt.Errorf("mongo.message.SoftDelete: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
