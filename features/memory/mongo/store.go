// Package mongo wires the memory.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "github.com/awschat/supervisor/features/memory/mongo/clients/mongo"
	"github.com/awschat/supervisor/runtime/agent/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ memory.Store = (*Store)(nil)

// NewStore builds a Mongo-backed memory store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Connect dials uri and returns the driver client. Callers own the returned
// client and must Disconnect it.
func Connect(ctx context.Context, uri string) (*mongodriver.Client, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	c, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return c, nil
}

// Client returns the underlying client, used for health checks.
func (s *Store) Client() clientsmongo.Client { return s.client }

// AppendTurn records a completed turn.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn memory.Turn) error {
	return s.client.AppendTurn(ctx, sessionID, turn)
}

// LastTurns returns at most k turns, oldest first.
func (s *Store) LastTurns(ctx context.Context, sessionID string, k int) ([]memory.Turn, error) {
	return s.client.LastTurns(ctx, sessionID, k)
}
