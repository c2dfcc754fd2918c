package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditRecord is one entry to append.
type AuditRecord struct {
	EventType  models.AuditEventType
	WorkflowID *uint
	UserID     *uint
	Details    map[string]interface{}
	Metadata   map[string]interface{}
}

// AuditFilter narrows trail and export queries. Zero values mean "any".
type AuditFilter struct {
	WorkflowID *uint
	UserID     *uint
	EventTypes []models.AuditEventType
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

type EventCount struct {
	ID    uint  `json:"id"`
	Count int64 `json:"count" gorm:"column:total"`
}

type WorkflowAuditSummary struct {
	WorkflowID     uint                `json:"workflow_id"`
	TotalEvents    int64               `json:"total_events"`
	ByEventType    map[string]int64    `json:"by_event_type"`
	ByUser         map[string]int64    `json:"by_user"`
	RecentCritical []models.AuditEntry `json:"recent_critical"`
	FirstEventAt   *time.Time          `json:"first_event_at,omitempty"`
	LastEventAt    *time.Time          `json:"last_event_at,omitempty"`
}

type UserActivityDigest struct {
	UserID           uint                `json:"user_id"`
	TotalEvents      int64               `json:"total_events"`
	ByEventType      map[string]int64    `json:"by_event_type"`
	WorkflowsTouched []uint              `json:"workflows_touched"`
	Recent           []models.AuditEntry `json:"recent"`
}

type SystemAuditStats struct {
	From         *time.Time       `json:"from,omitempty"`
	TotalEvents  int64            `json:"total_events"`
	FailedEvents int64            `json:"failed_events"`
	SuccessRate  float64          `json:"success_rate"`
	ByEventType  map[string]int64 `json:"by_event_type"`
	TopUsers     []EventCount     `json:"top_users"`
	TopWorkflows []EventCount     `json:"top_workflows"`
}

// ExportedAuditEntry is the compliance export row with normalized timestamps.
type ExportedAuditEntry struct {
	ID         uint                   `json:"id"`
	EventType  string                 `json:"event_type"`
	WorkflowID *uint                  `json:"workflow_id"`
	UserID     *uint                  `json:"user_id"`
	Details    map[string]interface{} `json:"details"`
	Metadata   map[string]interface{} `json:"metadata"`
	Timestamp  string                 `json:"timestamp"`
}

const (
	recentCriticalLimit = 10
	topActivityLimit    = 5
)

// AuditService is the append-only audit log and its read-side aggregation.
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger}
}

// Log appends rec. Failures are logged and never returned to the caller.
func (s *AuditService) Log(ctx context.Context, rec AuditRecord) {
	if s == nil || s.db == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("audit log panic for %s: %v", rec.EventType, r)
		}
	}()

	entry := models.AuditEntry{
		EventType:  rec.EventType,
		WorkflowID: rec.WorkflowID,
		UserID:     rec.UserID,
		Details:    datatypes.JSONMap(nonNilMap(rec.Details)),
		Metadata:   datatypes.JSONMap(nonNilMap(rec.Metadata)),
	}
	// the audited operation may have been cancelled; the entry should still land
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		s.logger.Warnf("write audit entry %s: %v", rec.EventType, err)
	}
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func (s *AuditService) filtered(ctx context.Context, f AuditFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.AuditEntry{})
	if f.WorkflowID != nil {
		q = q.Where("workflow_id = ?", *f.WorkflowID)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if len(f.EventTypes) > 0 {
		q = q.Where("event_type IN ?", f.EventTypes)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}
	return q
}

// Trail returns a page of entries, newest first, and the total matching count.
func (s *AuditService) Trail(ctx context.Context, f AuditFilter) ([]models.AuditEntry, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 500 {
		f.PageSize = 50
	}

	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	var entries []models.AuditEntry
	err := s.filtered(ctx, f).
		Order("created_at DESC, id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, total, nil
}

type eventTypeCount struct {
	EventType string
	Total     int64
}

type userCount struct {
	UserID *uint
	Total  int64
}

func (s *AuditService) countByEventType(q *gorm.DB) (map[string]int64, int64, error) {
	var rows []eventTypeCount
	if err := q.Select("event_type, count(*) as total").Group("event_type").Scan(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make(map[string]int64, len(rows))
	var total int64
	for _, r := range rows {
		out[r.EventType] = r.Total
		total += r.Total
	}
	return out, total, nil
}

func since(days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := time.Now().UTC().AddDate(0, 0, -days)
	return &t
}

// WorkflowSummary aggregates one workflow's entries over the last days (0 = all time).
func (s *AuditService) WorkflowSummary(ctx context.Context, workflowID uint, days int) (*WorkflowAuditSummary, error) {
	f := AuditFilter{WorkflowID: &workflowID, From: since(days)}

	byType, total, err := s.countByEventType(s.filtered(ctx, f))
	if err != nil {
		return nil, fmt.Errorf("summarize workflow %d: %w", workflowID, err)
	}

	var users []userCount
	if err := s.filtered(ctx, f).Select("user_id, count(*) as total").Group("user_id").Scan(&users).Error; err != nil {
		return nil, fmt.Errorf("summarize workflow %d users: %w", workflowID, err)
	}
	byUser := make(map[string]int64, len(users))
	for _, u := range users {
		key := "system"
		if u.UserID != nil {
			key = strconv.FormatUint(uint64(*u.UserID), 10)
		}
		byUser[key] += u.Total
	}

	var critical []models.AuditEntry
	cf := f
	cf.EventTypes = models.CriticalEventTypes
	if err := s.filtered(ctx, cf).Order("created_at DESC, id DESC").Limit(recentCriticalLimit).Find(&critical).Error; err != nil {
		return nil, fmt.Errorf("recent critical events: %w", err)
	}

	summary := &WorkflowAuditSummary{
		WorkflowID:     workflowID,
		TotalEvents:    total,
		ByEventType:    byType,
		ByUser:         byUser,
		RecentCritical: critical,
	}
	if total > 0 {
		var first, last models.AuditEntry
		if err := s.filtered(ctx, f).Order("created_at ASC, id ASC").First(&first).Error; err == nil {
			summary.FirstEventAt = &first.CreatedAt
		}
		if err := s.filtered(ctx, f).Order("created_at DESC, id DESC").First(&last).Error; err == nil {
			summary.LastEventAt = &last.CreatedAt
		}
	}
	return summary, nil
}

// UserActivity digests what one user did over the last days (0 = all time).
func (s *AuditService) UserActivity(ctx context.Context, userID uint, days int) (*UserActivityDigest, error) {
	f := AuditFilter{UserID: &userID, From: since(days)}

	byType, total, err := s.countByEventType(s.filtered(ctx, f))
	if err != nil {
		return nil, fmt.Errorf("user %d activity: %w", userID, err)
	}

	var workflows []uint
	if err := s.filtered(ctx, f).Where("workflow_id IS NOT NULL").Distinct().Order("workflow_id").Pluck("workflow_id", &workflows).Error; err != nil {
		return nil, fmt.Errorf("user %d workflows: %w", userID, err)
	}

	var recent []models.AuditEntry
	if err := s.filtered(ctx, f).Order("created_at DESC, id DESC").Limit(20).Find(&recent).Error; err != nil {
		return nil, fmt.Errorf("user %d recent: %w", userID, err)
	}

	if workflows == nil {
		workflows = []uint{}
	}
	return &UserActivityDigest{
		UserID:           userID,
		TotalEvents:      total,
		ByEventType:      byType,
		WorkflowsTouched: workflows,
		Recent:           recent,
	}, nil
}

// SystemStats reports system-wide counts. SuccessRate is 1 - failed/total, or 1 when
// there are no events.
func (s *AuditService) SystemStats(ctx context.Context, days int) (*SystemAuditStats, error) {
	f := AuditFilter{From: since(days)}

	byType, total, err := s.countByEventType(s.filtered(ctx, f))
	if err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	var failed int64
	for _, t := range models.FailureEventTypes {
		failed += byType[string(t)]
	}
	rate := 1.0
	if total > 0 {
		rate = 1 - float64(failed)/float64(total)
	}

	var topUsers []EventCount
	if err := s.filtered(ctx, f).Select("user_id as id, count(*) as total").
		Where("user_id IS NOT NULL").Group("user_id").Order("total DESC").
		Limit(topActivityLimit).Scan(&topUsers).Error; err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	var topWorkflows []EventCount
	if err := s.filtered(ctx, f).Select("workflow_id as id, count(*) as total").
		Where("workflow_id IS NOT NULL").Group("workflow_id").Order("total DESC").
		Limit(topActivityLimit).Scan(&topWorkflows).Error; err != nil {
		return nil, fmt.Errorf("top workflows: %w", err)
	}

	return &SystemAuditStats{
		From:         f.From,
		TotalEvents:  total,
		FailedEvents: failed,
		SuccessRate:  rate,
		ByEventType:  byType,
		TopUsers:     topUsers,
		TopWorkflows: topWorkflows,
	}, nil
}

// Export returns every entry matching f, oldest first, with UTC RFC3339 timestamps.
// Paging fields are ignored.
func (s *AuditService) Export(ctx context.Context, f AuditFilter) ([]ExportedAuditEntry, error) {
	var entries []models.AuditEntry
	if err := s.filtered(ctx, f).Order("created_at ASC, id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("export audit entries: %w", err)
	}
	out := make([]ExportedAuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ExportedAuditEntry{
			ID:         e.ID,
			EventType:  string(e.EventType),
			WorkflowID: e.WorkflowID,
			UserID:     e.UserID,
			Details:    nonNilMap(e.Details),
			Metadata:   nonNilMap(e.Metadata),
			Timestamp:  utils.FormatTime(e.CreatedAt),
		})
	}
	return out, nil
}
