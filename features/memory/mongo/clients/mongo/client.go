// Package mongo implements the low-level MongoDB client used by the memory store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/awschat/supervisor/runtime/agent/memory"
)

const (
	defaultCollection = "conversation_memory"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

// Client exposes Mongo-backed operations for conversation turns.
type Client interface {
	health.Pinger

	AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) error
	LastTurns(ctx context.Context, sessionID string, k int) ([]memory.Turn, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) error {
	if sessionID == "" {
		return memory.ErrSessionRequired
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$setOnInsert": bson.M{"session_id": sessionID},
		"$set":         bson.M{"updated_at": now},
		"$push":        bson.M{"turns": toTurnDocument(turn)},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) LastTurns(ctx context.Context, sessionID string, k int) ([]memory.Turn, error) {
	if sessionID == "" {
		return nil, memory.ErrSessionRequired
	}
	if k <= 0 {
		return []memory.Turn{}, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	projection := bson.M{"turns": bson.M{"$slice": -k}}
	var doc sessionDocument
	if err := c.coll.FindOne(ctx, filter, options.FindOne().SetProjection(projection)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return []memory.Turn{}, nil
		}
		return nil, err
	}
	return memory.Tail(fromTurnDocuments(doc.Turns), k), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID string         `bson:"session_id"`
	Turns     []turnDocument `bson:"turns"`
	UpdatedAt time.Time      `bson:"updated_at,omitempty"`
}

type turnDocument struct {
	User      string    `bson:"user"`
	Assistant string    `bson:"assistant"`
	CreatedAt time.Time `bson:"created_at"`
}

func toTurnDocument(t memory.Turn) turnDocument {
	return turnDocument{User: t.User, Assistant: t.Assistant, CreatedAt: t.CreatedAt.UTC()}
}

func fromTurnDocuments(docs []turnDocument) []memory.Turn {
	out := make([]memory.Turn, len(docs))
	for i, d := range docs {
		out[i] = memory.Turn{User: d.User, Assistant: d.Assistant, CreatedAt: d.CreatedAt}
	}
	return out
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
