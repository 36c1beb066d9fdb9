package charon

import "context"

// Client is the remote tracking service as seen by the reconciler.
//
// Implementations return *ServiceError for every failure.
type Client interface {
	GetRunStatus(ctx context.Context, key RunKey) (RunStatus, error)
	UpdateRunStatus(ctx context.Context, key RunKey, fields map[string]any) error
	GetSampleStatus(ctx context.Context, key SampleKey) (SampleStatus, error)
	UpdateSampleStatus(ctx context.Context, key SampleKey, status Status) error
}
