package grower

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// GrowthCollectionName is a name of MongoDB collection with growth records.
const GrowthCollectionName = "dicks"

// ErrDuplicate is returned when a document already exists.
var ErrDuplicate = errm.New("duplicate")

// MongoDB is a MongoDB client, that creates collections.
type MongoDB struct {
	database *mongo.Database
	client   *mongo.Client

	colls map[string]*Collection
	mu    sync.RWMutex
}

// NewMongo creates a new MongoDB client. Client is disconnected on ctx shutdown.
func NewMongo(ctx contem.Context, cfg DatabaseConfig) (*MongoDB, error) {
	cfg.Driver = DriverMongo
	if err := cfg.prepareAndValidate(); err != nil {
		return nil, errm.Wrap(err, "validate config")
	}

	dsn := fmt.Sprintf("mongodb://%s/%s", cfg.Address, cfg.DBName)
	opts := options.Client().ApplyURI(dsn).SetMaxPoolSize(uint64(cfg.MaxConnections))
	if len(cfg.Username) > 0 && len(cfg.Password) > 0 {
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    cfg.DBName,
			Username:      cfg.Username,
			Password:      cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errm.Wrap(err, "connect")
	}
	ctx.Add(client.Disconnect)

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, errm.Wrap(err, "ping")
	}

	return &MongoDB{
		database: client.Database(cfg.DBName),
		client:   client,
		colls:    make(map[string]*Collection),
	}, nil
}

// GetCollection returns a collection object by name.
// It will create a new collection if it doesn't exist after first query.
func (m *MongoDB) GetCollection(name string) *Collection {
	m.mu.RLock()
	coll, ok := m.colls[name]
	m.mu.RUnlock()

	if ok {
		return coll
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if coll, ok := m.colls[name]; ok {
		return coll
	}
	m.colls[name] = &Collection{
		coll: m.database.Collection(name),
		name: name,
	}

	return m.colls[name]
}

// Disconnect closes the client.
func (m *MongoDB) Disconnect(ctx context.Context) error {
	err := m.client.Disconnect(ctx)
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}

// Collection handles interactions with a MongoDB collection.
type Collection struct {
	coll *mongo.Collection
	name string
}

// CreateIndex creates an index for a collection with the given field names.
func (m *Collection) CreateIndex(ctx context.Context, fieldNames ...string) error {
	return m.createIndex(ctx, fieldNames, false)
}

// CreateUniqueIndex creates a unique index for a collection with the given field names.
func (m *Collection) CreateUniqueIndex(ctx context.Context, fieldNames ...string) error {
	return m.createIndex(ctx, fieldNames, true)
}

// FindOne finds a single document in the collection.
// Use filter to filter the document, e.g. {key: value}
func (m *Collection) FindOne(ctx context.Context, dest any, filter Filter) error {
	result := m.coll.FindOne(ctx, prepareFilter(filter))
	err := result.Err()

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

// FindOneAndDelete deletes a single document matched by filter and decodes it into dest.
func (m *Collection) FindOneAndDelete(ctx context.Context, dest any, filter Filter) error {
	result := m.coll.FindOneAndDelete(ctx, prepareFilter(filter))
	err := result.Err()

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

// FindSorted finds up to limit documents using filter, sorted by sort fields.
// Sort is a list of pairs (field, 1|-1) in priority order.
func (m *Collection) FindSorted(ctx context.Context, dest any, filter Filter, sort bson.D, limit int64) error {
	cur, err := m.coll.Find(ctx, prepareFilter(filter), options.Find().SetSort(sort).SetLimit(limit))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	if err := cur.All(ctx, dest); err != nil {
		return err
	}
	return cur.Err()
}

// Aggregate runs the pipeline and decodes all results into dest.
func (m *Collection) Aggregate(ctx context.Context, dest any, pipeline mongo.Pipeline) error {
	cur, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	if err := cur.All(ctx, dest); err != nil {
		return err
	}
	return cur.Err()
}

// Increment atomically adds delta to the field of the document matched by filter, inserting
// the document if it is missing. The updated document is decoded into dest.
// Concurrent upserts of a missing document may fail with ErrDuplicate, the caller should retry.
func (m *Collection) Increment(ctx context.Context, dest any, filter Filter, field string, delta int64) error {
	result := m.coll.FindOneAndUpdate(ctx, prepareFilter(filter),
		prepareUpdate(inc, Updates{field: delta}),
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	err := result.Err()

	switch {
	case isDuplicateErr(err):
		return ErrDuplicate
	case err != nil:
		return err
	}

	if err := result.Decode(dest); err != nil {
		return errm.Wrap(err, "decode")
	}

	return nil
}

func (m *Collection) createIndex(ctx context.Context, fieldNames []string, isUnique bool) error {
	indexModel := mongo.IndexModel{
		Options: options.Index().SetUnique(isUnique).SetName(m.name + "_" + strings.Join(fieldNames, "_") + "_index"),
	}

	keys := make(bson.D, 0, len(fieldNames))
	for _, field := range fieldNames {
		keys = append(keys, bson.E{
			Key:   field,
			Value: 1,
		})
	}
	indexModel.Keys = keys

	if _, err := m.coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		return err
	}

	return nil
}

// MongoStorage is a [GrowthStorage] on top of MongoDB.
// Growth is a single findAndModify with $inc and upsert on a unique (uid, chat_key) index.
type MongoStorage struct {
	db   *MongoDB
	coll *Collection
	log  Logger
}

// NewMongoStorage connects to MongoDB and creates indexes for growth records.
func NewMongoStorage(ctx contem.Context, cfg DatabaseConfig, log Logger) (*MongoStorage, error) {
	db, err := NewMongo(ctx, cfg)
	if err != nil {
		return nil, errm.Wrap(err, "new mongo")
	}

	coll := db.GetCollection(GrowthCollectionName)
	if err := coll.CreateUniqueIndex(ctx, "uid", "chat_key"); err != nil {
		return nil, errm.Wrap(err, "create unique index")
	}
	if err := coll.CreateIndex(ctx, "chat_key", "length"); err != nil {
		return nil, errm.Wrap(err, "create index")
	}

	return &MongoStorage{
		db:   db,
		coll: coll,
		log:  prepareLogger(log, false, false),
	}, nil
}

// CreateOrGrow implements [GrowthStorage].
func (s *MongoStorage) CreateOrGrow(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error) {
	return s.increment(ctx, user, chatKey, delta)
}

// Length implements [GrowthStorage].
func (s *MongoStorage) Length(ctx context.Context, user UserID, chatKey string) (int64, error) {
	var record GrowthRecord
	err := s.coll.FindOne(ctx, &record, NewFilter("uid", int64(user), "chat_key", chatKey))
	switch {
	case errm.Is(err, ErrNotFound):
		return 0, ErrNotFound
	case err != nil:
		return 0, errm.Wrap(err, "find one")
	}
	return record.Length, nil
}

// PersonalStats implements [GrowthStorage].
func (s *MongoStorage) PersonalStats(ctx context.Context, user UserID) (PersonalStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"uid": int64(user)}}},
		{{Key: "$group", Value: bson.M{
			"_id":          nil,
			"chats":        bson.M{"$sum": int64(1)},
			"max_length":   bson.M{"$max": "$length"},
			"total_length": bson.M{"$sum": "$length"},
		}}},
	}

	var out []PersonalStats
	if err := s.coll.Aggregate(ctx, &out, pipeline); err != nil {
		return PersonalStats{}, errm.Wrap(err, "aggregate")
	}
	if len(out) == 0 {
		return PersonalStats{}, nil
	}

	return out[0], nil
}

// Top implements [GrowthStorage].
func (s *MongoStorage) Top(ctx context.Context, chatKey string, limit int) ([]GrowthRecord, error) {
	var records []GrowthRecord
	sort := bson.D{{Key: "length", Value: -1}, {Key: "uid", Value: 1}}
	if err := s.coll.FindSorted(ctx, &records, NewFilter("chat_key", chatKey), sort, int64(limit)); err != nil {
		return nil, errm.Wrap(err, "find")
	}
	return records, nil
}

// MergeChats implements [GrowthStorage].
// Every record is removed from fromKey and added to toKey one by one. A failure between
// the two steps loses that record's length instead of counting it twice.
func (s *MongoStorage) MergeChats(ctx context.Context, fromKey, toKey string) (int64, error) {
	var moved int64
	for {
		var record GrowthRecord
		err := s.coll.FindOneAndDelete(ctx, &record, NewFilter("chat_key", fromKey))
		switch {
		case errm.Is(err, ErrNotFound):
			return moved, nil
		case err != nil:
			return moved, errm.Wrap(err, "find and delete")
		}

		if _, err := s.increment(ctx, record.UserID, toKey, record.Length); err != nil {
			s.log.Error("merged record is lost", "error", err, "user_id", record.UserID, "from", fromKey, "to", toKey, "length", record.Length)
			return moved, errm.Wrap(err, "increment", "user_id", record.UserID)
		}
		moved++
	}
}

// Close implements [GrowthStorage].
func (s *MongoStorage) Close(ctx context.Context) error {
	return s.db.Disconnect(ctx)
}

func (s *MongoStorage) increment(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error) {
	filter := NewFilter("uid", int64(user), "chat_key", chatKey)

	var record GrowthRecord
	err := s.coll.Increment(ctx, &record, filter, "length", delta)
	if errm.Is(err, ErrDuplicate) {
		// lost the insert race, the document exists now and $inc applies to it
		s.log.Debug("retry growth after duplicate upsert", "user_id", user, "chat", chatKey)
		err = s.coll.Increment(ctx, &record, filter, "length", delta)
	}
	if err != nil {
		return 0, errm.Wrap(err, "increment")
	}

	return record.Length, nil
}

// Filter is a map containing query operators to filter documents.
type Filter map[string]any

// NewFilter creates a new Filter based on pairs.
// Pairs must be in the form NewFilter(key1, value1, key2, value2, ...)
func NewFilter(pairs ...any) Filter {
	return newPairsMap(pairs...)
}

// Updates is a map containing fields to update.
type Updates map[string]any

func newPairsMap(pairs ...any) map[string]any {
	out := make(map[string]any, len(pairs)/2)
	addPairs(out, pairs...)
	return out
}

func addPairs(m map[string]any, pairs ...any) {
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if ok && i+1 < len(pairs) {
			m[key] = pairs[i+1]
		}
	}
}

type operationDB string

const (
	inc operationDB = "$inc"
)

func (a operationDB) String() string {
	return string(a)
}

func prepareFilter(inputFilter Filter) bson.M {
	filter := make(bson.M, len(inputFilter))
	for k, v := range inputFilter {
		filter[k] = v
	}
	return filter
}

func prepareUpdate(operation operationDB, update Updates) bson.M {
	upd := bson.D{}
	for k, v := range update {
		upd = append(upd, bson.E{Key: k, Value: v})
	}

	return bson.M{operation.String(): upd}
}

func isDuplicateErr(err error) bool {
	return err != nil && mongo.IsDuplicateKeyError(err)
}
