package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project represents a code or container project registered for scanning.
// A project carries either a repository reference or inline container
// definitions; either is enough to provision a sandbox target for DAST.
type Project struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID            uuid.UUID      `gorm:"type:uuid;index;not null" json:"user_id" validate:"required"`
	Name              string         `gorm:"not null;index:idx_projects_user_name,unique" json:"name" validate:"required"`
	Description       string         `gorm:"type:text" json:"description"`
	RepoURL           string         `gorm:"type:text" json:"repo_url" validate:"omitempty,url"`
	Branch            string         `gorm:"type:varchar(255);not null;default:'main'" json:"branch"`
	DockerfileContent string         `gorm:"type:text" json:"dockerfile_content,omitempty"`
	ComposeContent    string         `gorm:"type:text" json:"compose_content,omitempty"`
	Archived          bool           `gorm:"not null;default:false;index" json:"archived"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasLiveTarget reports whether the project defines something a sandbox can
// actually run. Static-only projects skip sandbox provisioning entirely.
func (p *Project) HasLiveTarget() bool {
	return p.DockerfileContent != "" || p.ComposeContent != ""
}
