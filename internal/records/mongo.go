package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"oaiserver/internal/query"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	coll *mongo.Collection
}

type mongoRecord struct {
	ID   string         `bson:"_id"`
	Data map[string]any `bson:"data"`
	OAI  *mongoOAI      `bson:"_oai,omitempty"`
}

type mongoOAI struct {
	ID      string   `bson:"id,omitempty"`
	Sets    []string `bson:"sets,omitempty"`
	Updated string   `bson:"updated,omitempty"`
}

// NewMongoStore wraps the given collection and ensures the indexes the
// listing queries rely on.
func NewMongoStore(ctx context.Context, coll *mongo.Collection) (*MongoStore, error) {
	s := &MongoStore{coll: coll}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure record indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "_oai.id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "_oai.updated", Value: 1}, {Key: "_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "_oai.sets", Value: 1}},
		},
	})
	return err
}

// existsFilter restricts reads to records with a minted identifier.
func existsFilter() bson.M {
	return bson.M{"_oai.id": bson.M{"$exists": true, "$nin": bson.A{nil, ""}}}
}

func toMongo(rec *Record) mongoRecord {
	m := mongoRecord{ID: rec.ID, Data: rec.Data}
	if rec.OAI != nil {
		m.OAI = &mongoOAI{
			ID:   rec.OAI.ID,
			Sets: rec.OAI.Sets,
		}
		if !rec.OAI.Updated.IsZero() {
			m.OAI.Updated = ToDatestamp(rec.OAI.Updated)
		}
	}
	return m
}

func fromMongo(m mongoRecord) (*Record, error) {
	rec := &Record{ID: m.ID, Data: m.Data}
	if m.OAI != nil {
		rec.OAI = &OAIMeta{ID: m.OAI.ID, Sets: m.OAI.Sets}
		if m.OAI.Updated != "" {
			t, err := ParseDatestamp(m.OAI.Updated)
			if err != nil {
				return nil, fmt.Errorf("record %s has %w", m.ID, err)
			}
			rec.OAI.Updated = t
		}
	}
	return rec, nil
}

func (s *MongoStore) GetByOAIID(ctx context.Context, oaiID string) (*Record, error) {
	var m mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_oai.id": oaiID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromMongo(m)
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	var m mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromMongo(m)
}

func (s *MongoStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.coll.InsertOne(ctx, toMongo(rec))
	return err
}

func (s *MongoStore) Update(ctx context.Context, rec *Record) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, toMongo(rec))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func selectionFilter(sel Selection) bson.M {
	filter := existsFilter()
	if sel.Set != "" {
		filter["_oai.sets"] = sel.Set
	}
	dateRange := bson.M{}
	if !sel.From.IsZero() {
		dateRange["$gte"] = ToDatestamp(sel.From)
	}
	if !sel.Until.IsZero() {
		dateRange["$lte"] = ToDatestamp(sel.Until)
	}
	if len(dateRange) > 0 {
		filter["_oai.updated"] = dateRange
	}
	return filter
}

var listSort = bson.D{{Key: "_oai.updated", Value: 1}, {Key: "_id", Value: 1}}

func (s *MongoStore) List(ctx context.Context, sel Selection, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	filter := selectionFilter(sel)

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().
		SetSort(listSort).
		SetSkip(int64((page - 1) * size)).
		SetLimit(int64(size))

	recs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	return s.makePage(recs, int(total), page*size < int(total)), nil
}

func (s *MongoStore) Resume(ctx context.Context, sel Selection, cursor string, size int) (*Page, error) {
	updated, id, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	filter := selectionFilter(sel)

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}

	// Keyset continuation past the (updated, id) position.
	filter["$or"] = bson.A{
		bson.M{"_oai.updated": bson.M{"$gt": updated}},
		bson.M{"_oai.updated": updated, "_id": bson.M{"$gt": id}},
	}

	opts := options.Find().SetSort(listSort).SetLimit(int64(size + 1))
	recs, err := s.find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	hasNext := len(recs) > size
	if hasNext {
		recs = recs[:size]
	}
	return s.makePage(recs, int(total), hasNext), nil
}

func (s *MongoStore) makePage(recs []*Record, total int, hasNext bool) *Page {
	p := &Page{Records: recs, Total: total, HasNext: hasNext}
	if hasNext && len(recs) > 0 {
		last := recs[len(recs)-1]
		p.Cursor = encodeCursor(ToDatestamp(last.OAI.Updated), last.ID)
	}
	return p
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Record, error) {
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*Record
	for cursor.Next(ctx) {
		var m mongoRecord
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		rec, err := fromMongo(m)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, cursor.Err()
}

func (s *MongoStore) Iterate(ctx context.Context, aff Affected) (Iterator, error) {
	var clauses bson.A
	if aff.Spec != "" {
		clauses = append(clauses, bson.M{"_oai.sets": aff.Spec})
	}
	if aff.Pattern != "" {
		p, err := query.Compile(aff.Pattern)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, p.BSON("data."))
	}
	if len(clauses) == 0 {
		return emptyIterator{}, nil
	}

	filter := existsFilter()
	filter["$or"] = clauses

	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return &mongoIterator{cursor: cursor}, nil
}

func (s *MongoStore) EarliestDatestamp(ctx context.Context) (time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_oai.updated", Value: 1}})
	var m mongoRecord
	err := s.coll.FindOne(ctx, existsFilter(), opts).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if m.OAI == nil || m.OAI.Updated == "" {
		return time.Time{}, nil
	}
	return ParseDatestamp(m.OAI.Updated)
}

type mongoIterator struct {
	cursor *mongo.Cursor
	rec    *Record
	err    error
}

func (it *mongoIterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.cursor.Next(ctx) {
		it.err = it.cursor.Err()
		return false
	}
	var m mongoRecord
	if err := it.cursor.Decode(&m); err != nil {
		it.err = err
		return false
	}
	rec, err := fromMongo(m)
	if err != nil {
		it.err = err
		return false
	}
	it.rec = rec
	return true
}

func (it *mongoIterator) Record() *Record { return it.rec }
func (it *mongoIterator) Err() error      { return it.err }

func (it *mongoIterator) Close(ctx context.Context) error {
	return it.cursor.Close(ctx)
}

type emptyIterator struct{}

func (emptyIterator) Next(context.Context) bool   { return false }
func (emptyIterator) Record() *Record             { return nil }
func (emptyIterator) Err() error                  { return nil }
func (emptyIterator) Close(context.Context) error { return nil }

func encodeCursor(updated, id string) string {
	return updated + "|" + id
}

func decodeCursor(cursor string) (updated, id string, err error) {
	idx := strings.IndexByte(cursor, '|')
	if idx < 0 {
		return "", "", fmt.Errorf("invalid cursor handle")
	}
	return cursor[:idx], cursor[idx+1:], nil
}
