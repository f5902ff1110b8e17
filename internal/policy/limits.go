// Package policy resolves plan-based resource limits for sandbox
// environments. Billing itself lives outside this service; the orchestrator
// only consults the caps a subscription tier grants.
package policy

import (
	"context"

	"github.com/google/uuid"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/repository"
)

// ResourceLimits caps one sandbox environment.
type ResourceLimits struct {
	MemoryMB  int `json:"container_memory_limit"`
	CPUMillis int `json:"container_cpu_limit"`
	PidsLimit int `json:"container_pids_limit"`
}

// Resolver answers what limits apply to a project's sandbox.
type Resolver interface {
	LimitsFor(ctx context.Context, projectID uuid.UUID) (ResourceLimits, error)
}

var planLimits = map[string]ResourceLimits{
	"free":       {MemoryMB: 512, CPUMillis: 500, PidsLimit: 128},
	"pro":        {MemoryMB: 2048, CPUMillis: 2000, PidsLimit: 512},
	"enterprise": {MemoryMB: 8192, CPUMillis: 4000, PidsLimit: 2048},
}

// PlanResolver maps the owning user's subscription tier to static caps.
type PlanResolver struct {
	projects repository.ProjectRepository
	users    repository.UserRepository
}

func NewPlanResolver(projects repository.ProjectRepository, users repository.UserRepository) *PlanResolver {
	return &PlanResolver{projects: projects, users: users}
}

var _ Resolver = (*PlanResolver)(nil)

func (r *PlanResolver) LimitsFor(ctx context.Context, projectID uuid.UUID) (ResourceLimits, error) {
	var p models.Project
	if err := r.projects.GetByID(ctx, projectID, &p); err != nil {
		return planLimits["free"], err
	}
	var u models.User
	if err := r.users.GetByID(ctx, p.UserID, &u); err != nil {
		return planLimits["free"], err
	}
	if limits, ok := planLimits[u.Plan]; ok {
		return limits, nil
	}
	return planLimits["free"], nil
}
