package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/ngoyal88/searchlog/pkg/config"
)

const (
	usersCollection    = "users"
	searchesCollection = "searches"
)

// MongoStore implements Store on a MongoDB database with one document per user
// and one document per search.
type MongoStore struct {
	client   *mongo.Client
	users    *mongo.Collection
	searches *mongo.Collection

	indexMu    sync.Mutex
	indexReady atomic.Bool
}

type userDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Key       string             `bson:"key"`
	Name      string             `bson:"name,omitempty"`
	Email     string             `bson:"email,omitempty"`
	FirstSeen time.Time          `bson:"first_seen"`
	LastSeen  time.Time          `bson:"last_seen"`
	Count     int64              `bson:"count"`
}

type searchDocument struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	UserKey          string             `bson:"user_key"`
	Message          string             `bson:"query"`
	Model            string             `bson:"model,omitempty"`
	Timestamp        time.Time          `bson:"created_at"`
	Status           string             `bson:"status"`
	Stream           bool               `bson:"stream"`
	MessagesCount    int                `bson:"messages_count"`
	ConversationID   string             `bson:"conversation_id,omitempty"`
	PromptTokens     int                `bson:"prompt_tokens,omitempty"`
	EstimatedCostUSD float64            `bson:"estimated_cost_usd,omitempty"`
	UpstreamStatus   int                `bson:"upstream_status,omitempty"`
	RequestID        string             `bson:"request_id,omitempty"`
}

// NewMongoStore connects to MongoDB. An unreachable server is logged, not
// returned: the driver keeps reconnecting and writes fail individually until
// the database is back.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongo client: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:   client,
		users:    db.Collection(usersCollection),
		searches: db.Collection(searchesCollection),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.ensureIndexes(pingCtx); err != nil {
		log.WithError(err).WithField("database", cfg.Database).Warn("[STORAGE] mongo not ready, continuing without it")
	} else {
		log.WithField("database", cfg.Database).Info("[STORAGE] mongo storage initialized")
	}

	return s, nil
}

// ensureIndexes creates the unique user-key index that makes concurrent upserts
// converge on one document. It runs until it succeeds once.
func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if s.indexReady.Load() {
		return nil
	}
	// One caller builds; the others fail fast instead of queueing behind
	// a slow server. Nothing was sent, so they may retry.
	if !s.indexMu.TryLock() {
		return fmt.Errorf("%w: users index is being created", ErrUnavailable)
	}
	defer s.indexMu.Unlock()
	if s.indexReady.Load() {
		return nil
	}

	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create users index: %w", ErrUnavailable, err)
	}
	_, err = s.searches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_key", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "model", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create searches indexes: %w", ErrUnavailable, err)
	}

	s.indexReady.Store(true)
	return nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, u UserUpsert) (*UserRecord, error) {
	if err := prepareUpsert(&u); err != nil {
		return nil, err
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	update := bson.D{
		{Key: "$setOnInsert", Value: bson.D{{Key: "first_seen", Value: u.SeenAt}}},
		{Key: "$max", Value: bson.D{{Key: "last_seen", Value: u.SeenAt}}},
		{Key: "$inc", Value: bson.D{{Key: "count", Value: int64(1)}}},
	}
	set := bson.D{}
	if u.Name != "" {
		set = append(set, bson.E{Key: "name", Value: u.Name})
	}
	if u.Email != "" {
		set = append(set, bson.E{Key: "email", Value: u.Email})
	}
	if len(set) > 0 {
		update = append(update, bson.E{Key: "$set", Value: set})
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc userDocument
	err := s.users.FindOneAndUpdate(ctx, bson.M{"key": u.Key}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced to insert; the loser retries as an update.
		err = s.users.FindOneAndUpdate(ctx, bson.M{"key": u.Key}, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, mongoError("failed to upsert user", err)
	}

	return doc.record(), nil
}

func (s *MongoStore) InsertSearch(ctx context.Context, rec *SearchRecord) (string, error) {
	if err := prepareSearch(rec); err != nil {
		return "", err
	}

	id := primitive.NewObjectID()
	if rec.ID != "" {
		var err error
		if id, err = primitive.ObjectIDFromHex(rec.ID); err != nil {
			return "", fmt.Errorf("search id %q is not an ObjectID: %w", rec.ID, err)
		}
	}

	doc := searchDocument{
		ID:               id,
		UserKey:          rec.UserKey,
		Message:          rec.Message,
		Model:            rec.Model,
		Timestamp:        rec.Timestamp,
		Status:           string(rec.Status),
		Stream:           rec.Stream,
		MessagesCount:    rec.MessagesCount,
		ConversationID:   rec.ConversationID,
		PromptTokens:     rec.PromptTokens,
		EstimatedCostUSD: rec.EstimatedCostUSD,
		UpstreamStatus:   rec.UpstreamStatus,
		RequestID:        rec.RequestID,
	}
	_, err := s.searches.InsertOne(ctx, doc)
	// Duplicate _id: an earlier attempt landed after its deadline.
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return "", mongoError("failed to insert search", err)
	}

	rec.ID = doc.ID.Hex()
	return rec.ID, nil
}

func (s *MongoStore) GetUser(ctx context.Context, key string) (*UserRecord, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return doc.record(), nil
}

func (s *MongoStore) ListSearches(ctx context.Context, filter SearchFilter) ([]*SearchRecord, error) {
	filter = filter.normalized()

	query := bson.M{}
	if filter.UserKey != "" {
		query["user_key"] = filter.UserKey
	}
	if filter.Model != "" {
		query["model"] = filter.Model
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		window := bson.M{}
		if !filter.From.IsZero() {
			window["$gte"] = filter.From.UTC()
		}
		if !filter.To.IsZero() {
			window["$lte"] = filter.To.UTC()
		}
		query["created_at"] = window
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(int64(filter.Limit))

	cursor, err := s.searches.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query searches: %w", err)
	}
	var docs []searchDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode searches: %w", err)
	}

	out := make([]*SearchRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, &SearchRecord{
			ID:               doc.ID.Hex(),
			UserKey:          doc.UserKey,
			Message:          doc.Message,
			Model:            doc.Model,
			Timestamp:        doc.Timestamp,
			Status:           Status(doc.Status),
			Stream:           doc.Stream,
			MessagesCount:    doc.MessagesCount,
			ConversationID:   doc.ConversationID,
			PromptTokens:     doc.PromptTokens,
			EstimatedCostUSD: doc.EstimatedCostUSD,
			UpstreamStatus:   doc.UpstreamStatus,
			RequestID:        doc.RequestID,
		})
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// mongoError wraps err, marking server selection failures as ErrUnavailable:
// the driver never sent the command.
func mongoError(msg string, err error) error {
	var sel topology.ServerSelectionError
	if errors.As(err, &sel) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (d userDocument) record() *UserRecord {
	return &UserRecord{
		Key:       d.Key,
		Name:      d.Name,
		Email:     d.Email,
		FirstSeen: d.FirstSeen,
		LastSeen:  d.LastSeen,
		Count:     d.Count,
	}
}
