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

// PrincipalStore — коллекции users и subadmins коллаборатора аккаунтов.
type PrincipalStore struct {
	users     *mongo.Collection
	subAdmins *mongo.Collection
}

func NewPrincipalStore(db *mongo.Database) *PrincipalStore {
	return &PrincipalStore{users: db.Collection(collUsers), subAdmins: db.Collection(collSubAdmins)}
}

func (s *PrincipalStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("idx_user_email").SetUnique(true).SetCollation(caseInsensitive),
		},
		{
			Keys:    bson.D{{Key: "role", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_user_role"),
		},
	}); err != nil {
		return err
	}
	_, err := s.subAdmins.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetName("idx_subadmin_user").SetUnique(true),
	})
	return err
}

func (s *PrincipalStore) findUser(ctx context.Context, op string, filter bson.M, opts ...*options.FindOneOptions) (*model.User, error) {
	var u model.User
	if err := s.users.FindOne(ctx, filter, opts...).Decode(&u); err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &u, nil
}

func (s *PrincipalStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("mongo.principal.GetUser", time.Now())()
	return s.findUser(ctx, "mongo.principal.GetUser", byID(id))
}

func (s *PrincipalStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	defer logger.DeferLogDuration("mongo.principal.GetUserByEmail", time.Now())()
	return s.findUser(ctx, "mongo.principal.GetUserByEmail", bson.M{"email": email},
		options.FindOne().SetCollation(caseInsensitive))
}

func (s *PrincipalStore) ListUsersByRole(ctx context.Context, role model.Role) ([]model.User, error) {
	defer logger.DeferLogDuration("mongo.principal.ListUsersByRole", time.Now())()
	cur, err := s.users.Find(ctx, bson.M{"role": role}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo.principal.ListUsersByRole find: %w", err)
	}
	users := make([]model.User, 0, 16)
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("mongo.principal.ListUsersByRole decode: %w", err)
	}
	return users, nil
}

func (s *PrincipalStore) CreateUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("mongo.principal.CreateUser", time.Now())()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("mongo.principal.CreateUser: %w", err)
	}
	return nil
}

func (s *PrincipalStore) DeleteUser(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("mongo.principal.DeleteUser", time.Now())()
	return deleteOne(ctx, s.users, "mongo.principal.DeleteUser", id)
}

func (s *PrincipalStore) findSubAdmin(ctx context.Context, op string, filter bson.M) (*model.SubAdmin, error) {
	var sa model.SubAdmin
	if err := s.subAdmins.FindOne(ctx, filter).Decode(&sa); err != nil {
		if err = notFound(err); err == repository.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sa, nil
}

func (s *PrincipalStore) GetSubAdmin(ctx context.Context, id string) (*model.SubAdmin, error) {
	defer logger.DeferLogDuration("mongo.principal.GetSubAdmin", time.Now())()
	return s.findSubAdmin(ctx, "mongo.principal.GetSubAdmin", byID(id))
}

func (s *PrincipalStore) GetSubAdminByUserID(ctx context.Context, userID string) (*model.SubAdmin, error) {
	defer logger.DeferLogDuration("mongo.principal.GetSubAdminByUserID", time.Now())()
	return s.findSubAdmin(ctx, "mongo.principal.GetSubAdminByUserID", bson.M{"user_id": userID})
}

func (s *PrincipalStore) ListSubAdmins(ctx context.Context) ([]model.SubAdmin, error) {
	defer logger.DeferLogDuration("mongo.principal.ListSubAdmins", time.Now())()
	cur, err := s.subAdmins.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo.principal.ListSubAdmins find: %w", err)
	}
	list := make([]model.SubAdmin, 0, 16)
	if err := cur.All(ctx, &list); err != nil {
		return nil, fmt.Errorf("mongo.principal.ListSubAdmins decode: %w", err)
	}
	return list, nil
}

func (s *PrincipalStore) CreateSubAdmin(ctx context.Context, sa *model.SubAdmin) error {
	defer logger.DeferLogDuration("mongo.principal.CreateSubAdmin", time.Now())()
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = time.Now().UTC()
	}
	doc := *sa
	if doc.AssignedGroups == nil {
		doc.AssignedGroups = []string{}
	}
	if _, err := s.subAdmins.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("mongo.principal.CreateSubAdmin: %w", err)
	}
	return nil
}

func (s *PrincipalStore) DeleteSubAdmin(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("mongo.principal.DeleteSubAdmin", time.Now())()
	return deleteOne(ctx, s.subAdmins, "mongo.principal.DeleteSubAdmin", id)
}

func deleteOne(ctx context.Context, c *mongo.Collection, op, id string) error {
	res, err := c.DeleteOne(ctx, byID(id))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
