package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pcoelho/tchat/internal/store"
)

// Client talks to the chat server's JSON API: directory fetch, thread fetch,
// send, and chat creation. It carries the current user identity so FromMe is
// derived at decode time.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	selfID string
}

// New creates an API client for the given server base URL.
func New(baseURL, token, selfID string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 15 * time.Second},
		token:  token,
		selfID: selfID,
	}, nil
}

// SelfID returns the identity the client authenticates as.
func (c *Client) SelfID() string {
	return c.selfID
}

// FetchDirectory retrieves the full chat directory snapshot.
func (c *Client) FetchDirectory(ctx context.Context) (*Directory, error) {
	var payload directoryPayload
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &payload); err != nil {
		return nil, err
	}

	dir := &Directory{Participants: make(map[string][]store.Participant)}
	for _, cp := range payload.ActiveChats {
		dir.Active = append(dir.Active, cp.toStore(true))
		dir.Participants[cp.ID] = cp.participants()
	}
	for _, cp := range payload.NonActiveChats {
		dir.NonActive = append(dir.NonActive, cp.toStore(false))
		dir.Participants[cp.ID] = cp.participants()
	}
	return dir, nil
}

// FetchThread retrieves a single page of a chat's messages, newest first.
func (c *Client) FetchThread(ctx context.Context, chatID string) ([]store.Message, error) {
	var payload []messagePayload
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(payload))
	for _, mp := range payload {
		msgs = append(msgs, mp.toStore(c.selfID))
	}
	return msgs, nil
}

// SendMessage submits an outgoing message and returns the confirmed message
// carrying the server-assigned id.
func (c *Client) SendMessage(ctx context.Context, chatID, content string) (*store.Message, error) {
	var payload messagePayload
	if err := c.do(ctx, http.MethodPost, "/api/messages", sendRequest{ChatID: chatID, Content: content}, &payload); err != nil {
		return nil, err
	}
	m := payload.toStore(c.selfID)
	return &m, nil
}

// CreateChat starts a new 1:1 conversation with the given participant and
// returns the created chat with its profile snapshots.
func (c *Client) CreateChat(ctx context.Context, participantID string) (*store.Chat, []store.Participant, error) {
	var payload chatPayload
	if err := c.do(ctx, http.MethodPost, "/api/chats", createChatRequest{ParticipantID: participantID}, &payload); err != nil {
		return nil, nil, err
	}
	chat := payload.toStore(payload.LastMessage != nil)
	return &chat, payload.participants(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ep errorPayload
		_ = json.NewDecoder(resp.Body).Decode(&ep)
		if ep.Error == "" {
			ep.Error = http.StatusText(resp.StatusCode)
		}
		return &RequestError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", ep.Error)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &RequestError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
