package container

import (
	"github.com/meridianhealth/researchflow/common/bootstrap"
	"github.com/meridianhealth/researchflow/common/ratelimit"
	"github.com/meridianhealth/researchflow/workflow/approval"
	"github.com/meridianhealth/researchflow/workflow/engine"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	RequestService  *engine.Service
	ApprovalService *approval.Service
	RateLimiter     *ratelimit.RateLimiter
}

// NewContainer initializes all services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	waker := approval.NewRedisWaker(components.Redis, components.Config.Engine.ResumeStream)

	return &Container{
		Components:      components,
		RequestService:  engine.NewService(components.Store, waker, components.Logger),
		ApprovalService: approval.NewService(components.Store, waker, components.Logger),
		RateLimiter:     ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger),
	}, nil
}
