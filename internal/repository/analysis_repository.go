package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	appErr "github.com/killhouse/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AnalysisRepository persists analyses. Status writes are compare-and-set on
// the current status so the start, webhook, and watchdog paths cannot clobber
// a more advanced state with a stale one.
type AnalysisRepository interface {
	BaseRepository[models.Analysis]
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Analysis, error)

	// UpdateStatusFrom moves status from->to atomically. CodeConflict means
	// the persisted status no longer matches from.
	UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to analysis.Status, completedAt *time.Time) error

	// ClaimSandbox transitions sandbox_status from null to CREATING exactly
	// once. CodeConflict means another caller already claimed it.
	ClaimSandbox(ctx context.Context, id uuid.UUID) error
	UpdateSandbox(ctx context.Context, id uuid.UUID, status string, containerID *string) error

	// UpdateFields applies a sparse patch of column name -> value. Unknown
	// column names surface as an error from the underlying store.
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// ListUnfinished returns every analysis not yet in a terminal status.
	ListUnfinished(ctx context.Context) ([]models.Analysis, error)

	AppendLog(ctx context.Context, id uuid.UUID, entry analysis.LogEntry) error
}

type analysisRepository struct {
	BaseRepository[models.Analysis]
	db *gorm.DB
}

func NewAnalysisRepository(db *gorm.DB) AnalysisRepository {
	return &analysisRepository{BaseRepository: NewBaseRepository[models.Analysis](db), db: db}
}

func (r *analysisRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Analysis, error) {
	var out []models.Analysis
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("started_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list analyses failed")
	}
	return out, nil
}

func (r *analysisRepository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to analysis.Status, completedAt *time.Time) error {
	updates := map[string]any{"status": string(to)}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	res := r.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update analysis status failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "analysis status changed concurrently")
	}
	return nil
}

func (r *analysisRepository) ClaimSandbox(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND sandbox_status IS NULL", id).
		Update("sandbox_status", models.SandboxCreating)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "claim sandbox failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeConflict, "sandbox already claimed")
	}
	return nil
}

func (r *analysisRepository) UpdateSandbox(ctx context.Context, id uuid.UUID, status string, containerID *string) error {
	updates := map[string]any{"sandbox_status": status}
	if containerID != nil {
		updates["sandbox_container_id"] = *containerID
	}
	res := r.db.WithContext(ctx).Model(&models.Analysis{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update sandbox state failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "analysis not found")
	}
	return nil
}

func (r *analysisRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Analysis{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "patch analysis failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "analysis not found")
	}
	return nil
}

var terminalStatuses = []string{
	string(analysis.StatusCompleted),
	string(analysis.StatusCompletedWithErrors),
	string(analysis.StatusFailed),
	string(analysis.StatusCancelled),
}

func (r *analysisRepository) ListUnfinished(ctx context.Context) ([]models.Analysis, error) {
	var out []models.Analysis
	if err := r.db.WithContext(ctx).Where("status NOT IN ?", terminalStatuses).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list unfinished analyses failed")
	}
	return out, nil
}

// AppendLog performs the read-modify-write of the jsonb log column inside a
// transaction with the row locked, keeping appends ordered under concurrency.
func (r *analysisRepository) AppendLog(ctx context.Context, id uuid.UUID, entry analysis.LogEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a models.Analysis
		if err := tx.Clauses(lockForUpdate()).First(&a, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return appErr.New(appErr.CodeNotFound, "analysis not found")
			}
			return appErr.Wrap(err, appErr.CodeInternal, "load analysis for log append failed")
		}
		blob, err := analysis.AppendLog(a.Logs, entry)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "encode analysis log failed")
		}
		if err := tx.Model(&models.Analysis{}).Where("id = ?", id).Update("logs", datatypes.JSON(blob)).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "append analysis log failed")
		}
		return nil
	})
}
