package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CachedTask is the scheduler's on-disk record of a pending task.
type CachedTask struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Instruction  string          `json:"instruction"`
	ScheduleTime time.Time       `json:"schedule_time"`
	Recurring    bool            `json:"recurring,omitempty"`
	IntervalSec  int             `json:"interval_sec,omitempty"`
	CronExpr     string          `json:"cron_expr,omitempty"`
	Callback     string          `json:"callback,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Completed    bool            `json:"completed,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// TaskCache mirrors scheduled tasks to a local JSON file so the poller
// survives API outages and restarts. A corrupt or missing file is not
// an error; the cache starts empty and rebuilds.
type TaskCache struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger

	tasks map[string]CachedTask
}

// DefaultTaskCachePath returns ~/.cache/agentd/tasks.json.
func DefaultTaskCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "agentd", "tasks.json")
}

// NewTaskCache loads the cache at path, tolerating missing or corrupt
// files.
func NewTaskCache(path string, log *slog.Logger) *TaskCache {
	if log == nil {
		log = slog.Default()
	}
	c := &TaskCache{path: path, log: log, tasks: make(map[string]CachedTask)}
	c.load()
	return c
}

func (c *TaskCache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("task cache unreadable, starting empty", "path", c.path, "error", err)
		}
		return
	}
	var tasks []CachedTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		c.log.Warn("task cache corrupt, starting empty", "path", c.path, "error", err)
		return
	}
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
}

// Put stores or replaces a task and flushes to disk.
func (c *TaskCache) Put(task CachedTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
	return c.flushLocked()
}

// Remove deletes a task and flushes to disk. Removing an unknown id is
// a no-op.
func (c *TaskCache) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[id]; !ok {
		return nil
	}
	delete(c.tasks, id)
	return c.flushLocked()
}

// Get returns a task by id.
func (c *TaskCache) Get(id string) (CachedTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

// List returns all cached tasks.
func (c *TaskCache) List() []CachedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CachedTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// DueBefore returns incomplete tasks scheduled at or before t.
func (c *TaskCache) DueBefore(t time.Time) []CachedTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []CachedTask
	for _, task := range c.tasks {
		if !task.Completed && !task.ScheduleTime.After(t) {
			out = append(out, task)
		}
	}
	return out
}

// flushLocked writes the cache atomically via a temp file rename.
func (c *TaskCache) flushLocked() error {
	tasks := make([]CachedTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace task cache: %w", err)
	}
	return nil
}
