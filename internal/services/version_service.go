package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autoflow/internal/models"
	"autoflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VersionComparison is the result of comparing two versions of one workflow.
type VersionComparison struct {
	WorkflowID uint          `json:"workflow_id"`
	VersionA   int           `json:"version_a"`
	VersionB   int           `json:"version_b"`
	Diff       Diff          `json:"diff"`
	Summary    ChangeSummary `json:"summary"`
}

// VersionService keeps the gapless version history of workflow definitions.
type VersionService struct {
	db     *gorm.DB
	audit  *AuditService
	logger *logrus.Logger
}

func NewVersionService(db *gorm.DB, audit *AuditService, logger *logrus.Logger) *VersionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &VersionService{db: db, audit: audit, logger: logger}
}

func snapshotOf(def models.WorkflowDefinition) map[string]interface{} {
	var out map[string]interface{}
	b, err := json.Marshal(def)
	if err != nil {
		return map[string]interface{}{}
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func definitionFromSnapshot(snap map[string]interface{}) (models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	b, err := json.Marshal(snap)
	if err != nil {
		return def, err
	}
	err = json.Unmarshal(b, &def)
	return def, err
}

// authorUserID maps a numeric author to the audit user id; anything else is a system actor.
func authorUserID(author string) *uint {
	id, err := strconv.ParseUint(strings.TrimSpace(author), 10, 64)
	if err != nil || id == 0 {
		return nil
	}
	u := uint(id)
	return &u
}

// createVersionTx appends version n+1 as the current version inside tx.
func (s *VersionService) createVersionTx(tx *gorm.DB, workflowID uint, def models.WorkflowDefinition, description, author string) (*models.WorkflowVersion, error) {
	var previous map[string]interface{}
	var current models.WorkflowVersion
	err := tx.Where("workflow_id = ? AND is_current = ?", workflowID, true).First(&current).Error
	switch {
	case err == nil:
		previous = current.Snapshot
	case errors.Is(err, gorm.ErrRecordNotFound):
		previous = map[string]interface{}{}
	default:
		return nil, fmt.Errorf("load current version: %w", err)
	}

	var latest int
	if err := tx.Model(&models.WorkflowVersion{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&latest).Error; err != nil {
		return nil, fmt.Errorf("load latest version: %w", err)
	}

	snapshot := snapshotOf(def)
	diff := ComputeDiff(previous, snapshot)

	if err := tx.Model(&models.WorkflowVersion{}).
		Where("workflow_id = ? AND is_current = ?", workflowID, true).
		UpdateColumn("is_current", false).Error; err != nil {
		return nil, fmt.Errorf("retire current version: %w", err)
	}

	v := &models.WorkflowVersion{
		WorkflowID:        workflowID,
		Version:           latest + 1,
		Snapshot:          datatypes.JSONMap(snapshot),
		Diff:              datatypes.JSONMap(diff.ToMap()),
		ChangeDescription: description,
		Author:            author,
		IsCurrent:         true,
	}
	if err := tx.Create(v).Error; err != nil {
		return nil, fmt.Errorf("insert version %d: %w", v.Version, err)
	}
	return v, nil
}

func (s *VersionService) logVersionCreated(ctx context.Context, v *models.WorkflowVersion) {
	wfID := v.WorkflowID
	var summary ChangeSummary
	if d, err := diffFromMap(v.Diff); err == nil {
		summary = d.Summary()
	}
	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditVersionCreated,
		WorkflowID: &wfID,
		UserID:     authorUserID(v.Author),
		Details: map[string]interface{}{
			"version":        v.Version,
			"description":    v.ChangeDescription,
			"author":         v.Author,
			"values_changed": summary.ValuesChanged,
			"items_added":    summary.ItemsAdded,
			"items_removed":  summary.ItemsRemoved,
		},
	})
}

func diffFromMap(m map[string]interface{}) (Diff, error) {
	d := newDiff()
	b, err := json.Marshal(m)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, err
	}
	return d, nil
}

// CreateVersion records def as the next version of the workflow.
func (s *VersionService) CreateVersion(ctx context.Context, workflowID uint, def models.WorkflowDefinition, description, author string) (*models.WorkflowVersion, error) {
	var v *models.WorkflowVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&models.Workflow{}).Where("id = ?", workflowID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %d", ErrWorkflowNotFound, workflowID)
		}
		var err error
		v, err = s.createVersionTx(tx, workflowID, def, description, author)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logVersionCreated(ctx, v)
	return v, nil
}

func (s *VersionService) ListVersions(ctx context.Context, workflowID uint) ([]models.WorkflowVersion, error) {
	var versions []models.WorkflowVersion
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("list versions of workflow %d: %w", workflowID, err)
	}
	return versions, nil
}

func (s *VersionService) GetVersion(ctx context.Context, workflowID uint, version int) (*models.WorkflowVersion, error) {
	return s.getVersion(s.db.WithContext(ctx), workflowID, version)
}

func (s *VersionService) getVersion(db *gorm.DB, workflowID uint, version int) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	err := db.Where("workflow_id = ? AND version = ?", workflowID, version).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: workflow %d version %d", ErrVersionNotFound, workflowID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("load version %d: %w", version, err)
	}
	return &v, nil
}

// CompareVersions diffs version a against version b.
func (s *VersionService) CompareVersions(ctx context.Context, workflowID uint, a, b int) (*VersionComparison, error) {
	va, err := s.GetVersion(ctx, workflowID, a)
	if err != nil {
		return nil, err
	}
	vb, err := s.GetVersion(ctx, workflowID, b)
	if err != nil {
		return nil, err
	}
	d := ComputeDiff(map[string]interface{}(va.Snapshot), map[string]interface{}(vb.Snapshot))
	return &VersionComparison{
		WorkflowID: workflowID,
		VersionA:   a,
		VersionB:   b,
		Diff:       d,
		Summary:    d.Summary(),
	}, nil
}

// RollbackToVersion makes the snapshot of version the live definition again and records
// that as a new version. History is never rewritten.
func (s *VersionService) RollbackToVersion(ctx context.Context, workflowID uint, version int, author, reason string) (*models.Workflow, *models.WorkflowVersion, error) {
	var (
		wf      models.Workflow
		created *models.WorkflowVersion
		from    int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&wf, workflowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrWorkflowNotFound, workflowID)
			}
			return err
		}
		target, err := s.getVersion(tx, workflowID, version)
		if err != nil {
			return err
		}
		def, err := definitionFromSnapshot(target.Snapshot)
		if err != nil {
			return fmt.Errorf("decode snapshot of version %d: %w", version, err)
		}

		var current models.WorkflowVersion
		if err := tx.Where("workflow_id = ? AND is_current = ?", workflowID, true).First(&current).Error; err == nil {
			from = current.Version
		}

		meta := utils.CopyMap(def.Metadata)
		meta["rollback_info"] = map[string]interface{}{
			"from_version":   from,
			"to_version":     version,
			"reason":         reason,
			"author":         author,
			"rolled_back_at": utils.FormatTime(time.Now()),
		}
		def.Metadata = meta
		wf.ApplyDefinition(def)
		if err := saveDefinition(tx, &wf); err != nil {
			return err
		}

		desc := fmt.Sprintf("Rollback to version %d", version)
		if strings.TrimSpace(reason) != "" {
			desc += ": " + reason
		}
		created, err = s.createVersionTx(tx, workflowID, wf.Definition(), desc, author)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.logVersionCreated(ctx, created)
	s.audit.Log(ctx, AuditRecord{
		EventType:  models.AuditRolledBack,
		WorkflowID: &wf.ID,
		UserID:     authorUserID(author),
		Details: map[string]interface{}{
			"from_version": from,
			"to_version":   version,
			"new_version":  created.Version,
			"reason":       reason,
		},
	})
	s.logger.Infof("workflow %d rolled back to version %d as version %d", workflowID, version, created.Version)
	return &wf, created, nil
}

// saveDefinition writes only the versioned columns so runtime counters are not clobbered.
func saveDefinition(tx *gorm.DB, wf *models.Workflow) error {
	err := tx.Model(wf).
		Select("name", "description", "trigger", "trigger_type", "trigger_key", "actions", "tags", "metadata", "updated_at").
		Updates(wf).Error
	if err != nil {
		return fmt.Errorf("save workflow %d: %w", wf.ID, err)
	}
	return nil
}
