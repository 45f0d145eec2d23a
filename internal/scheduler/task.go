// Package scheduler runs one-shot and recurring tasks behind a
// stateless poller. Task state lives server-side over REST, with a
// local JSON cache as fallback so restarts lose nothing.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/store"
)

// TaskType separates single-fire tasks from repeating ones.
type TaskType string

const (
	TaskOneShot   TaskType = "one_shot"
	TaskRecurring TaskType = "recurring"
)

// Task is one scheduled unit of work. Callback names a function in the
// CallbackRegistry; Args rides along to the invocation.
type Task struct {
	ID           string                 `json:"id,omitempty"`
	AgentID      string                 `json:"agent_id,omitempty"`
	Instruction  string                 `json:"instruction"`
	ScheduleTime time.Time              `json:"schedule_time"`
	Type         TaskType               `json:"task_type"`
	IntervalSec  int                    `json:"interval_sec,omitempty"`
	CronExpr     string                 `json:"cron_expr,omitempty"`
	Callback     string                 `json:"callback"`
	Args         map[string]interface{} `json:"args,omitempty"`
	IsCompleted  bool                   `json:"is_completed"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Recurring reports whether the task repeats.
func (t *Task) Recurring() bool { return t.Type == TaskRecurring }

// Client is the task persistence surface the poller runs against.
type Client interface {
	Create(ctx context.Context, task *Task) (string, error)
	Due(ctx context.Context, before time.Time) ([]Task, error)
	Update(ctx context.Context, task Task) error
	Delete(ctx context.Context, id string) error
}

// HTTPClient talks to the task REST API.
type HTTPClient struct {
	BaseURL     string
	AccessToken string
	HTTP        *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL:     baseURL,
		AccessToken: token,
		HTTP:        &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("task api: %s %s returned %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) Create(ctx context.Context, task *Task) (string, error) {
	var created Task
	if err := c.do(ctx, http.MethodPost, "/tasks", task, &created); err != nil {
		return "", err
	}
	task.ID = created.ID
	return created.ID, nil
}

func (c *HTTPClient) Due(ctx context.Context, before time.Time) ([]Task, error) {
	var out []Task
	path := "/tasks/due?before=" + url.QueryEscape(before.Format(time.RFC3339))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Update(ctx context.Context, task Task) error {
	return c.do(ctx, http.MethodPut, "/tasks/"+task.ID, task, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+id, nil, nil)
}

// CacheClient runs tasks off the local JSON cache, for offline or
// degraded operation.
type CacheClient struct {
	cache *store.TaskCache
	next  int
}

func NewCacheClient(cache *store.TaskCache) *CacheClient {
	return &CacheClient{cache: cache}
}

func (c *CacheClient) Create(_ context.Context, task *Task) (string, error) {
	if task.ID == "" {
		c.next++
		task.ID = fmt.Sprintf("local-%d-%d", time.Now().UnixMilli(), c.next)
	}
	return task.ID, c.cache.Put(toCached(*task))
}

func (c *CacheClient) Due(_ context.Context, before time.Time) ([]Task, error) {
	cached := c.cache.DueBefore(before)
	out := make([]Task, 0, len(cached))
	for _, ct := range cached {
		out = append(out, fromCached(ct))
	}
	return out, nil
}

func (c *CacheClient) Update(_ context.Context, task Task) error {
	return c.cache.Put(toCached(task))
}

func (c *CacheClient) Delete(_ context.Context, id string) error {
	return c.cache.Remove(id)
}

func toCached(t Task) store.CachedTask {
	var payload json.RawMessage
	if len(t.Args) > 0 {
		payload, _ = json.Marshal(t.Args)
	}
	return store.CachedTask{
		ID:           t.ID,
		AgentID:      t.AgentID,
		Instruction:  t.Instruction,
		ScheduleTime: t.ScheduleTime,
		Recurring:    t.Recurring(),
		IntervalSec:  t.IntervalSec,
		CronExpr:     t.CronExpr,
		Callback:     t.Callback,
		Payload:      payload,
		Completed:    t.IsCompleted,
		CompletedAt:  t.CompletedAt,
	}
}

func fromCached(ct store.CachedTask) Task {
	t := Task{
		ID:           ct.ID,
		AgentID:      ct.AgentID,
		Instruction:  ct.Instruction,
		ScheduleTime: ct.ScheduleTime,
		Type:         TaskOneShot,
		IntervalSec:  ct.IntervalSec,
		CronExpr:     ct.CronExpr,
		Callback:     ct.Callback,
		IsCompleted:  ct.Completed,
		CompletedAt:  ct.CompletedAt,
	}
	if ct.Recurring {
		t.Type = TaskRecurring
	}
	if len(ct.Payload) > 0 {
		json.Unmarshal(ct.Payload, &t.Args)
	}
	return t
}
