package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Assistant is the remote assistant record.
type Assistant struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Model    string                 `json:"model,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation is the remote conversation record.
type Conversation struct {
	ID          string    `json:"id"`
	AssistantID string    `json:"assistant_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// RemoteMessage is a message persisted through the REST API.
type RemoteMessage struct {
	ID             string                 `json:"id,omitempty"`
	ConversationID string                 `json:"conversation_id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Memory is a long-lived note attached to an assistant.
type Memory struct {
	ID          string    `json:"id,omitempty"`
	AssistantID string    `json:"assistant_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// doJSON performs one REST call. A non-2xx status is a statusError; out
// may be nil when the body is irrelevant.
func (s *Services) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	if s.degraded {
		return nil
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return &statusError{Path: path, Code: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Services) postJSON(ctx context.Context, path string, in, out interface{}) error {
	return s.doJSON(ctx, http.MethodPost, path, in, out)
}

// GetAssistant fetches one assistant record.
func (s *Services) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var a Assistant
	if err := s.doJSON(ctx, http.MethodGet, "/assistants/"+id, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateConversation opens a new conversation for an assistant.
func (s *Services) CreateConversation(ctx context.Context, assistantID, title string) (*Conversation, error) {
	var c Conversation
	in := Conversation{AssistantID: assistantID, Title: title}
	if err := s.postJSON(ctx, "/conversations", in, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveRemoteMessage persists one message server-side. Degraded mode
// silently skips.
func (s *Services) SaveRemoteMessage(ctx context.Context, msg RemoteMessage) error {
	return s.postJSON(ctx, "/messages", msg, nil)
}

// SaveMemory persists a long-lived note for an assistant.
func (s *Services) SaveMemory(ctx context.Context, assistantID, content string) error {
	return s.postJSON(ctx, "/memories", Memory{AssistantID: assistantID, Content: content}, nil)
}

// ListMemories fetches an assistant's notes.
func (s *Services) ListMemories(ctx context.Context, assistantID string) ([]Memory, error) {
	var out []Memory
	path := fmt.Sprintf("/memories?assistant_id=%s", assistantID)
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
