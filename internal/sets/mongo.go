package sets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoSet struct {
	ID            string `bson:"_id"`
	Spec          string `bson:"spec"`
	Name          string `bson:"name,omitempty"`
	Description   string `bson:"description,omitempty"`
	SearchPattern string `bson:"search_pattern,omitempty"`
	CreatedAt     int64  `bson:"created_at"`
	UpdatedAt     int64  `bson:"updated_at"`
}

// NewMongoStore wraps the given collection and ensures the unique spec
// index.
func NewMongoStore(ctx context.Context, coll *mongo.Collection) (*MongoStore, error) {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "spec", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure set indexes: %w", err)
	}
	return &MongoStore{coll: coll}, nil
}

func unixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func setToMongo(s *Set) mongoSet {
	return mongoSet{
		ID:            s.ID,
		Spec:          s.Spec,
		Name:          s.Name,
		Description:   s.Description,
		SearchPattern: s.SearchPattern,
		CreatedAt:     s.CreatedAt.UnixMilli(),
		UpdatedAt:     s.UpdatedAt.UnixMilli(),
	}
}

func setFromMongo(m mongoSet) *Set {
	return &Set{
		ID:            m.ID,
		Spec:          m.Spec,
		Name:          m.Name,
		Description:   m.Description,
		SearchPattern: m.SearchPattern,
		CreatedAt:     unixMilli(m.CreatedAt),
		UpdatedAt:     unixMilli(m.UpdatedAt),
	}
}

func (s *MongoStore) Insert(ctx context.Context, set *Set) error {
	_, err := s.coll.InsertOne(ctx, setToMongo(set))
	if mongo.IsDuplicateKeyError(err) {
		return ErrSpecExists
	}
	return err
}

func (s *MongoStore) Save(ctx context.Context, set *Set) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": set.ID}, setToMongo(set))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, spec string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"spec": spec})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetBySpec(ctx context.Context, spec string) (*Set, error) {
	return s.findOne(ctx, bson.M{"spec": spec})
}

func (s *MongoStore) GetByID(ctx context.Context, id string) (*Set, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Set, error) {
	var m mongoSet
	err := s.coll.FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return setFromMongo(m), nil
}

var specSort = bson.D{{Key: "spec", Value: 1}}

func (s *MongoStore) All(ctx context.Context) ([]*Set, error) {
	return s.find(ctx, options.Find().SetSort(specSort))
}

func (s *MongoStore) Page(ctx context.Context, offset, limit int) ([]*Set, int, error) {
	total, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSort(specSort).SetSkip(int64(offset)).SetLimit(int64(limit))
	out, err := s.find(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

func (s *MongoStore) find(ctx context.Context, opts *options.FindOptions) ([]*Set, error) {
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*Set
	for cursor.Next(ctx) {
		var m mongoSet
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, setFromMongo(m))
	}
	return out, cursor.Err()
}
