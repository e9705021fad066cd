// Package kv provides the shared key-value cache used by the dynamic
// sampling components. The cache is the only long-lived mutable state
// of the engine: sliding window sizes, last-computed sample rates,
// recalibration factors, generated rule sets and idempotency markers
// all live here, expiring naturally via TTL.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-sub078/pkg/sampling/model"
)

// Store is a TTL'd key-value store. Writes are last-writer-wins;
// SetIfAbsent is the only atomic claim primitive and is what the
// idempotency markers rely on.
type Store interface {
	// Get returns the value and true if the key is present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value with the given TTL. Zero TTL means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes the value only if the key is absent, and
	// reports whether this call claimed the key.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Computation kinds used in key namespacing.
const (
	KindWindowSize    = "window-size"
	KindSampleRate    = "sample-rate"
	KindRecalibration = "recalibration"
	KindRules         = "rules"
	KindExecuted      = "executed"
)

// OrgKey namespaces a computation kind by organization.
func OrgKey(kind string, org model.OrganizationID) string {
	return fmt.Sprintf("ds:org:%d:%s", org, kind)
}

// ProjectKey namespaces a computation kind by organization and project.
func ProjectKey(kind string, org model.OrganizationID, project model.ProjectID) string {
	return fmt.Sprintf("ds:org:%d:project:%d:%s", org, project, kind)
}
