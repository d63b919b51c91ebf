package cron

import (
	"context"
	"time"
)

// Job is a scheduled task run by the cron worker. Schedule is a standard cron expression or descriptor
// such as "@hourly"; Run receives the cycle time so a job never reads the clock itself.
type Job interface {
	Name() string
	Schedule() string
	Run(ctx context.Context, now time.Time) error
}

// Registry tracks registered cron jobs.
type Registry struct {
	jobs []Job
}

// NewRegistry builds a registry preloaded with the provided jobs.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job)
	}
	return registry
}

// Register adds a job to the registry.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}
