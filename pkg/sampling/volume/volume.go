// Package volume reads event and transaction counts from the
// analytics backend. It is the only source of observed volume for the
// sampling engine; everything here is a pure read.
package volume

import (
	"context"
	"time"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

// Window is the time range counts are aggregated over.
type Window struct {
	Start time.Time
	End   time.Time
}

// ProjectVolume is the observed event count of one project.
type ProjectVolume struct {
	Project model.ProjectID
	Count   uint64
}

// ProjectSeries is the per-project breakdown of an organization's
// volume, along with the time buckets it was aggregated over.
type ProjectSeries struct {
	Projects  []ProjectVolume
	Intervals []time.Time
}

// TransactionSeries is the per-transaction-name breakdown of a
// project's volume. Classes is truncated to the highest-volume names;
// TotalNumClasses is the full cardinality, so the long tail can be
// accounted for without materializing it.
type TransactionSeries struct {
	Classes         []model.WeightedItem
	TotalNumClasses int
	Intervals       []time.Time
}

// Fetcher queries the analytics backend. Implementations must treat
// partial or empty results as zero volume, not as an error, and must
// bound every call with an explicit timeout: a backend hang on one
// organization must not stall the whole batch.
type Fetcher interface {
	// ActiveOrganizations returns organizations with at least
	// minVolume events within the window.
	ActiveOrganizations(ctx context.Context, w Window, minVolume uint64) ([]model.OrganizationID, error)

	// OrgTotalVolume returns the total event count of the organization.
	OrgTotalVolume(ctx context.Context, org model.OrganizationID, w Window) (uint64, error)

	// ProjectVolumes returns per-project counts for the organization.
	ProjectVolumes(ctx context.Context, org model.OrganizationID, w Window) (*ProjectSeries, error)

	// TransactionVolumes returns per-transaction-name counts for one
	// project, truncated to the limit highest-volume names.
	TransactionVolumes(ctx context.Context, org model.OrganizationID, project model.ProjectID, w Window, limit int) (*TransactionSeries, error)

	// OrgDataVolumes returns total vs. indexed counts for the
	// organizations, the input to recalibration. Organizations absent
	// from the result had no volume.
	OrgDataVolumes(ctx context.Context, orgs []model.OrganizationID, w Window) ([]model.OrganizationDataVolume, error)
}

// LastWindow returns the window of the given size ending now, aligned
// down to the minute so that retried queries hit the same range.
func LastWindow(size time.Duration) Window {
	end := time.Now().Truncate(time.Minute)
	return Window{Start: end.Add(-size), End: end}
}
