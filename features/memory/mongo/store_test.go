package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "github.com/awschat/supervisor/features/memory/mongo/clients/mongo"
	"github.com/awschat/supervisor/runtime/agent/memory"
)

type recordingClient struct {
	appended []memory.Turn
	sessions []string
	turns    []memory.Turn
	k        int
}

func (c *recordingClient) Name() string               { return "recording" }
func (c *recordingClient) Ping(context.Context) error { return nil }

func (c *recordingClient) AppendTurn(_ context.Context, sessionID string, turn memory.Turn) error {
	c.sessions = append(c.sessions, sessionID)
	c.appended = append(c.appended, turn)
	return nil
}

func (c *recordingClient) LastTurns(_ context.Context, sessionID string, k int) ([]memory.Turn, error) {
	c.sessions = append(c.sessions, sessionID)
	c.k = k
	return c.turns, nil
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	rc := &recordingClient{turns: []memory.Turn{{User: "q", Assistant: "a"}}}
	store, err := NewStore(Options{Client: rc})
	require.NoError(t, err)

	require.NoError(t, store.AppendTurn(context.Background(), "s1", memory.Turn{User: "hi"}))
	turns, err := store.LastTurns(context.Background(), "s1", 3)
	require.NoError(t, err)

	require.Equal(t, []string{"s1", "s1"}, rc.sessions)
	require.Equal(t, "hi", rc.appended[0].User)
	require.Equal(t, 3, rc.k)
	require.Equal(t, rc.turns, turns)
	require.Same(t, rc, store.Client())
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(clientsmongo.Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestConnectRequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), "")
	require.EqualError(t, err, "mongo uri is required")
}
