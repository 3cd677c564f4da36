// Package client calls the supervisor HTTP service and decodes its event
// streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

// ErrIncompleteStream is returned when an event stream ends without its
// terminal done event.
var ErrIncompleteStream = errors.New("event stream ended before done")

type (
	// Client talks to one service base URL.
	Client struct {
		base string
		http *http.Client
	}

	// RemoteError carries the message of an error reported by the server.
	RemoteError struct {
		Status  int
		Message string
	}

	errorBody struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
)

// New returns a client for base. A nil httpClient uses http.DefaultClient.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (e *RemoteError) Error() string {
	if e.Status == 0 {
		return "server: " + e.Message
	}
	return fmt.Sprintf("server (%d): %s", e.Status, e.Message)
}

// Invoke sends prompt and calls yield for every event of the merged stream.
// It returns when the server sends done, when the server reports an error
// (as *RemoteError), or when yield fails.
func (c *Client) Invoke(ctx context.Context, prompt, sessionID string, yield func(stream.Event) error) error {
	body := map[string]any{"input": map[string]string{"prompt": prompt, "session_id": sessionID}}
	resp, err := c.post(ctx, "/invocations", body, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return Events(resp, yield)
}

// Tail follows the published events of a session until ctx is canceled or
// the server ends the stream.
func (c *Client) Tail(ctx context.Context, sessionID string, yield func(stream.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return Events(resp, yield)
}

// History returns up to limit past messages of the session.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	body := map[string]any{"input": map[string]any{"session_id": sessionID, "limit": limit}}
	resp, err := c.post(ctx, "/history", body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		History []memory.Message `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out.History, nil
}

// Events decodes an SSE response body. Named events map to stream events
// through stream.Decode; done ends the stream and error becomes a
// *RemoteError.
func Events(resp *http.Response, yield func(stream.Event) error) error {
	dec := ssestream.NewDecoder(resp)
	if dec == nil {
		return ErrIncompleteStream
	}
	for dec.Next() {
		raw := dec.Event()
		switch raw.Type {
		case "":
			continue
		case "done":
			return nil
		case "error":
			var msg struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				msg.Message = strings.TrimSpace(string(raw.Data))
			}
			return &RemoteError{Message: msg.Message}
		}
		ev, err := stream.Decode(stream.EventType(raw.Type), raw.Data)
		if err != nil {
			return err
		}
		if err := yield(ev); err != nil {
			return err
		}
	}
	if err := dec.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ErrIncompleteStream
}

func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var eb errorBody
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &eb) == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}
	return nil, &RemoteError{Status: resp.StatusCode, Message: msg}
}
