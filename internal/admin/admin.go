// Package admin provides operator endpoints for the verification pipeline.
package admin

import (
	"context"
	"time"

	"github.com/attendguard/attendguard/internal/proxy"
)

// PipelineState is the dispatcher view the status endpoint reports.
type PipelineState interface {
	Running() bool
	Pending() int
	Dropped() int64
}

// SightingPruner removes expired correlation sightings on demand.
type SightingPruner interface {
	Running() bool
	Sweep(ctx context.Context) (int64, error)
}

// TrainingExporter exports reviewed violations as labeled scorer data.
type TrainingExporter interface {
	LabeledExamples(ctx context.Context, since time.Time, limit int, loc *time.Location) ([]proxy.LabeledExample, error)
}

// PipelineStatus is the body of GET /v1/admin/pipeline.
type PipelineStatus struct {
	DispatcherRunning bool      `json:"dispatcherRunning"`
	Pending           int       `json:"pending"`
	Dropped           int64     `json:"dropped"`
	JanitorRunning    bool      `json:"janitorRunning"`
	Timestamp         time.Time `json:"timestamp"`
}
