package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"autoflow/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchedulerStateKey names the persisted cron cache in every store.
const SchedulerStateKey = "scheduler:cron_state"

// CronEntry is what the scheduler remembers about one scheduled workflow.
type CronEntry struct {
	LastCheck time.Time  `json:"last_check"`
	LastFired *time.Time `json:"last_fired,omitempty"`
}

// SchedulerState is the cron cache keyed by workflow id. Safe for concurrent use.
type SchedulerState struct {
	mu      sync.RWMutex
	entries map[uint]CronEntry
}

func NewSchedulerState() *SchedulerState {
	return &SchedulerState{entries: make(map[uint]CronEntry)}
}

func (s *SchedulerState) Get(id uint) (CronEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *SchedulerState) Set(id uint, e CronEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
}

// Retain evicts every workflow not in keep and returns how many were evicted.
func (s *SchedulerState) Retain(keep map[uint]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.entries {
		if !keep[id] {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *SchedulerState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot copies the entries with string keys, the persisted shape.
func (s *SchedulerState) Snapshot() map[string]CronEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CronEntry, len(s.entries))
	for id, e := range s.entries {
		out[strconv.FormatUint(uint64(id), 10)] = e
	}
	return out
}

// Replace swaps in a persisted snapshot. Keys that are not workflow ids are ignored.
func (s *SchedulerState) Replace(snap map[string]CronEntry) {
	entries := make(map[uint]CronEntry, len(snap))
	for k, e := range snap {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		entries[uint(id)] = e
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// StateStore persists the scheduler state across restarts.
type StateStore interface {
	Load(ctx context.Context) (map[string]CronEntry, error)
	Save(ctx context.Context, snap map[string]CronEntry) error
}

// Persist writes the current state to store.
func (s *SchedulerState) Persist(ctx context.Context, store StateStore) error {
	if store == nil {
		return nil
	}
	return store.Save(ctx, s.Snapshot())
}

// Restore loads state from store. A store with nothing saved leaves the state empty.
func (s *SchedulerState) Restore(ctx context.Context, store StateStore) error {
	if store == nil {
		return nil
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return err
	}
	s.Replace(snap)
	return nil
}

// MemoryStateStore keeps the snapshot in process; state is lost on restart.
type MemoryStateStore struct {
	mu   sync.Mutex
	snap map[string]CronEntry
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (m *MemoryStateStore) Load(context.Context) (map[string]CronEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CronEntry, len(m.snap))
	for k, v := range m.snap {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStateStore) Save(_ context.Context, snap map[string]CronEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = make(map[string]CronEntry, len(snap))
	for k, v := range snap {
		m.snap[k] = v
	}
	return nil
}

// GormStateStore keeps the snapshot in the context_entries table.
type GormStateStore struct {
	db *gorm.DB
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

func (g *GormStateStore) Load(ctx context.Context) (map[string]CronEntry, error) {
	var row models.ContextEntry
	err := g.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: SchedulerStateKey}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]CronEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduler state: %w", err)
	}
	snap := map[string]CronEntry{}
	if err := json.Unmarshal(row.Value, &snap); err != nil {
		return nil, fmt.Errorf("decode scheduler state: %w", err)
	}
	return snap, nil
}

func (g *GormStateStore) Save(ctx context.Context, snap map[string]CronEntry) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode scheduler state: %w", err)
	}
	row := models.ContextEntry{Key: SchedulerStateKey, Value: datatypes.JSON(raw), UpdatedAt: time.Now().UTC()}
	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save scheduler state: %w", err)
	}
	return nil
}

// RedisStateStore keeps the snapshot as one JSON string value.
type RedisStateStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisStateStore(client redis.Cmdable) *RedisStateStore {
	return &RedisStateStore{client: client, key: "autoflow:" + SchedulerStateKey}
}

func (r *RedisStateStore) Load(ctx context.Context) (map[string]CronEntry, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]CronEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load scheduler state from redis: %w", err)
	}
	snap := map[string]CronEntry{}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode scheduler state: %w", err)
	}
	return snap, nil
}

func (r *RedisStateStore) Save(ctx context.Context, snap map[string]CronEntry) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode scheduler state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("save scheduler state to redis: %w", err)
	}
	return nil
}
