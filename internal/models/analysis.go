package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Sandbox sub-states, tracked independently of the analysis status.
const (
	SandboxCreating = "CREATING"
	SandboxRunning  = "RUNNING"
	SandboxFailed   = "FAILED"
	SandboxSkipped  = "SKIPPED"
)

// Analysis represents one execution of the scan pipeline against a project.
//
// Status is mutated only through transition-checked writes (see
// internal/analysis); SandboxStatus is an orthogonal sub-state owned by the
// sandbox orchestrator. Logs is an append-only jsonb array of log entries;
// the report columns are opaque blobs attached by webhook updates and never
// parsed here beyond counting.
type Analysis struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`

	Status      string     `gorm:"type:varchar(32);index;not null" json:"status"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Logs datatypes.JSON `gorm:"type:jsonb" json:"logs"`

	StaticAnalysisReport  datatypes.JSON `gorm:"type:jsonb" json:"static_analysis_report,omitempty"`
	PenetrationTestReport datatypes.JSON `gorm:"type:jsonb" json:"penetration_test_report,omitempty"`
	ExecutiveSummary      string         `gorm:"type:text" json:"executive_summary,omitempty"`

	VulnerabilitiesFound int `gorm:"not null;default:0" json:"vulnerabilities_found"`
	CriticalCount        int `gorm:"not null;default:0" json:"critical_count"`
	HighCount            int `gorm:"not null;default:0" json:"high_count"`
	MediumCount          int `gorm:"not null;default:0" json:"medium_count"`
	LowCount             int `gorm:"not null;default:0" json:"low_count"`
	InfoCount            int `gorm:"not null;default:0" json:"info_count"`

	SandboxStatus      *string `gorm:"type:varchar(32)" json:"sandbox_status,omitempty"`
	SandboxContainerID *string `gorm:"type:varchar(255)" json:"sandbox_container_id,omitempty"`
	ExploitSessionID   *string `gorm:"type:varchar(255)" json:"exploit_session_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
