// Package crosswalk maintains the persistent bijection between local task
// identifiers and planner task identifiers, together with the stored ETag
// for each planner task. Both directions plus the initial ETag are written
// in a single transaction so the bijection invariant holds even across
// crashes.
package crosswalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/taskbridge/store"
)

// Crosswalk is the store-backed ID mapping. Safe for concurrent use.
type Crosswalk struct {
	store *store.Gateway
}

// New constructs a crosswalk over the given store gateway.
func New(st *store.Gateway) *Crosswalk {
	return &Crosswalk{store: st}
}

// Link records the bijection local <-> external plus the initial ETag in a
// single multi-write.
func (c *Crosswalk) Link(ctx context.Context, localID, externalID, etag string) error {
	sets := map[string]string{
		c.store.IDMapLocalKey(localID):  externalID,
		c.store.IDMapExtKey(externalID): localID,
	}
	if etag != "" {
		sets[c.store.ETagKey(externalID)] = etag
	}
	if err := c.store.MultiSet(ctx, sets, nil); err != nil {
		return fmt.Errorf("link %s<->%s: %w", localID, externalID, err)
	}
	return nil
}

// Unlink removes both directions and the ETag in a single multi-write.
func (c *Crosswalk) Unlink(ctx context.Context, localID, externalID string) error {
	dels := []string{
		c.store.IDMapLocalKey(localID),
		c.store.IDMapExtKey(externalID),
		c.store.ETagKey(externalID),
	}
	if err := c.store.MultiSet(ctx, nil, dels); err != nil {
		return fmt.Errorf("unlink %s<->%s: %w", localID, externalID, err)
	}
	return nil
}

// ExternalFor returns the planner ID mapped to the local ID. The second
// return is false when no forward mapping exists.
func (c *Crosswalk) ExternalFor(ctx context.Context, localID string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.store.IDMapLocalKey(localID))
	if err != nil || !ok {
		return "", false, err
	}
	return normalize(raw), true, nil
}

// LocalFor returns the local ID mapped to the planner ID. The second return
// is false when no reverse mapping exists.
func (c *Crosswalk) LocalFor(ctx context.Context, externalID string) (string, bool, error) {
	raw, ok, err := c.store.Get(ctx, c.store.IDMapExtKey(externalID))
	if err != nil || !ok {
		return "", false, err
	}
	return normalize(raw), true, nil
}

// ETag returns the stored ETag for a planner task.
func (c *Crosswalk) ETag(ctx context.Context, externalID string) (string, bool, error) {
	return c.store.Get(ctx, c.store.ETagKey(externalID))
}

// SetETag replaces the stored ETag for a planner task.
func (c *Crosswalk) SetETag(ctx context.Context, externalID, etag string) error {
	return c.store.Set(ctx, c.store.ETagKey(externalID), etag, 0)
}

// DeleteETag removes the stored ETag for a planner task.
func (c *Crosswalk) DeleteETag(ctx context.Context, externalID string) error {
	return c.store.Del(ctx, c.store.ETagKey(externalID))
}

// normalize tolerates the legacy serialization where IDs were written as a
// single-element JSON array. New writes are always the plain string.
func normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var arr []string
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil && len(arr) > 0 {
			return arr[0]
		}
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return s
		}
	}
	return trimmed
}

// Normalize rewrites a raw mapping value to the plain-string serialization.
// Housekeeping uses it to migrate legacy entries; the return is the
// normalized value and whether a rewrite is needed.
func Normalize(raw string) (string, bool) {
	n := normalize(raw)
	return n, n != raw
}
