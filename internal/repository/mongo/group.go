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

type GroupStore struct {
	c *mongo.Collection
}

func NewGroupStore(db *mongo.Database) *GroupStore {
	return &GroupStore{c: db.Collection(collGroups)}
}

func (s *GroupStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// Не больше одной активной группы по умолчанию
		{
			Keys: bson.D{{Key: "kind", Value: 1}},
			Options: options.Index().SetName("idx_group_single_default").SetUnique(true).
				SetPartialFilterExpression(bson.M{"kind": model.GroupKindDefault, "is_active": true}),
		},
		// Группы участника
		{
			Keys:    bson.D{{Key: "members.principal.id", Value: 1}, {Key: "members.principal.kind", Value: 1}},
			Options: options.Index().SetName("idx_group_members"),
		},
		{
			Keys:    bson.D{{Key: "is_active", Value: 1}, {Key: "last_activity_at", Value: -1}},
			Options: options.Index().SetName("idx_group_activity"),
		},
	}
	_, err := s.c.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *GroupStore) Create(ctx context.Context, g *model.Group) error {
	defer logger.DeferLogDuration("mongo.group.Create", time.Now())()
	doc := *g
	if doc.Members == nil {
		doc.Members = []model.Member{}
	}
	if _, err := s.c.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("mongo.group.Create: %w", err)
	}
	return nil
}

func (s *GroupStore) findOne(ctx context.Context, op string, filter bson.M) (*model.Group, error) {
	var g model.Group
	if err := s.c.FindOne(ctx, filter).Decode(&g); err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &g, nil
}

func (s *GroupStore) GetByID(ctx context.Context, id string) (*model.Group, error) {
	defer logger.DeferLogDuration("mongo.group.GetByID", time.Now())()
	return s.findOne(ctx, "mongo.group.GetByID", byID(id))
}

func (s *GroupStore) GetDefault(ctx context.Context) (*model.Group, error) {
	defer logger.DeferLogDuration("mongo.group.GetDefault", time.Now())()
	return s.findOne(ctx, "mongo.group.GetDefault", bson.M{"kind": model.GroupKindDefault, "is_active": true})
}

func (s *GroupStore) ListActive(ctx context.Context) ([]model.Group, error) {
	defer logger.DeferLogDuration("mongo.group.ListActive", time.Now())()
	return s.list(ctx, "mongo.group.ListActive", bson.M{"is_active": true})
}

func (s *GroupStore) ListForPrincipal(ctx context.Context, ref model.PrincipalRef) ([]model.Group, error) {
	defer logger.DeferLogDuration("mongo.group.ListForPrincipal", time.Now())()
	return s.list(ctx, "mongo.group.ListForPrincipal", bson.M{
		"is_active": true,
		"members":   bson.M{"$elemMatch": bson.M{"principal.id": ref.ID, "principal.kind": ref.Kind}},
	})
}

func (s *GroupStore) list(ctx context.Context, op string, filter bson.M) ([]model.Group, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s find: %w", op, err)
	}
	groups := make([]model.Group, 0, 16)
	if err := cur.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("%s decode: %w", op, err)
	}
	return groups, nil
}

// AddMembers — одно обновление-конвейер: к members дописываются кандидаты, чьих id
// в группе ещё нет. Добавленные вычисляются по состоянию до обновления.
func (s *GroupStore) AddMembers(ctx context.Context, groupID string, members []model.Member, at time.Time) ([]model.Member, error) {
	defer logger.DeferLogDuration("mongo.group.AddMembers", time.Now())()
	if members == nil {
		members = []model.Member{}
	}
	pipeline := mongo.Pipeline{{{Key: "$set", Value: bson.M{
		"members": bson.M{"$concatArrays": bson.A{"$members", bson.M{"$filter": bson.M{
			"input": bson.M{"$literal": members},
			"as":    "c",
			"cond":  bson.M{"$not": bson.A{bson.M{"$in": bson.A{"$$c.principal.id", "$members.principal.id"}}}},
		}}}},
		"last_activity_at": at,
		"updated_at":       at,
	}}}}
	var before model.Group
	err := s.c.FindOneAndUpdate(ctx, byID(groupID), pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("mongo.group.AddMembers: %w", err)
	}
	added := make([]model.Member, 0, len(members))
	for _, m := range members {
		if !before.HasMemberID(m.Principal.ID) {
			added = append(added, m)
		}
	}
	return added, nil
}

func (s *GroupStore) RemoveMember(ctx context.Context, groupID, principalID string, at time.Time) (int, error) {
	defer logger.DeferLogDuration("mongo.group.RemoveMember", time.Now())()
	var before model.Group
	err := s.c.FindOneAndUpdate(ctx, byID(groupID), bson.M{
		"$pull": bson.M{"members": bson.M{"principal.id": principalID}},
		"$set":  bson.M{"last_activity_at": at, "updated_at": at},
	}, options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return 0, err
		}
		return 0, fmt.Errorf("mongo.group.RemoveMember: %w", err)
	}
	removed := 0
	for _, m := range before.Members {
		if m.Principal.ID == principalID {
			removed++
		}
	}
	return removed, nil
}

// TouchActivity двигает указатель только вперёд по времени.
func (s *GroupStore) TouchActivity(ctx context.Context, groupID, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("mongo.group.TouchActivity", time.Now())()
	res, err := s.c.UpdateOne(ctx,
		bson.M{"_id": groupID, "last_activity_at": bson.M{"$lte": at}},
		bson.M{"$set": bson.M{"last_message_id": messageID, "last_activity_at": at, "updated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mongo.group.TouchActivity: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.c.CountDocuments(ctx, byID(groupID))
	if err != nil {
		return fmt.Errorf("mongo.group.TouchActivity count: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *GroupStore) SetMuted(ctx context.Context, groupID string, muted bool) error {
	defer logger.DeferLogDuration("mongo.group.SetMuted", time.Now())()
	return s.set(ctx, "mongo.group.SetMuted", groupID, bson.M{"is_muted": muted})
}

func (s *GroupStore) Deactivate(ctx context.Context, groupID string) error {
	defer logger.DeferLogDuration("mongo.group.Deactivate", time.Now())()
	return s.set(ctx, "mongo.group.Deactivate", groupID, bson.M{"is_active": false})
}

func (s *GroupStore) set(ctx context.Context, op, groupID string, fields bson.M) error {
	fields["updated_at"] = time.Now().UTC()
	res, err := s.c.UpdateOne(ctx, byID(groupID), bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
