package store

import "time"

// Key builders for the sync namespace. Layout:
//
//	task:{local_id}                    canonical task record (authoritative)
//	tasks:state                        aggregate state document (mirror)
//	sync:id_map:local:{local_id}       forward crosswalk
//	sync:id_map:ext:{external_id}      reverse crosswalk
//	sync:etag:{external_id}            optimistic concurrency token
//	sync:last_upload:{local_id}        coalescing guard (7d TTL)
//	sync:pending                       retry queue of op envelopes
//	sync:processed:{yyyy-mm-dd}        idempotency window (2d TTL)
//	sync:failed                        dead letters, bounded (7d TTL)
//	sync:health                        liveness snapshot (300s TTL)
//	planner:inaccessible_plans         403 memoization (600s TTL)
//	graph:plans:index                  plan discovery cache (300s TTL)
//	graph:buckets:{plan_id}            bucket discovery cache (300s TTL)
//	tokens:{kind}:{scope_hash}         durable token cache
//	subs:registry                      subscription registry document
//	subs:clientState:{id}              webhook validation secrets

// TTLs for the keys above.
const (
	LastUploadTTL   = 7 * 24 * time.Hour
	ProcessedTTL    = 48 * time.Hour
	FailedTTL       = 7 * 24 * time.Hour
	HealthTTL       = 300 * time.Second
	InaccessibleTTL = 600 * time.Second
	DiscoveryTTL    = 300 * time.Second
)

// MaxFailed bounds the dead-letter list.
const MaxFailed = 1000

func (g *Gateway) TaskKey(localID string) string          { return g.Key("task", localID) }
func (g *Gateway) StateKey() string                       { return g.Key("tasks", "state") }
func (g *Gateway) IDMapLocalKey(localID string) string    { return g.Key("sync", "id_map", "local", localID) }
func (g *Gateway) IDMapExtKey(externalID string) string   { return g.Key("sync", "id_map", "ext", externalID) }
func (g *Gateway) ETagKey(externalID string) string       { return g.Key("sync", "etag", externalID) }
func (g *Gateway) LastUploadKey(localID string) string    { return g.Key("sync", "last_upload", localID) }
func (g *Gateway) PendingKey() string                     { return g.Key("sync", "pending") }
func (g *Gateway) ProcessedKey(day string) string         { return g.Key("sync", "processed", day) }
func (g *Gateway) FailedKey() string                      { return g.Key("sync", "failed") }
func (g *Gateway) HealthKey() string                      { return g.Key("sync", "health") }
func (g *Gateway) InaccessiblePlansKey() string           { return g.Key("planner", "inaccessible_plans") }
func (g *Gateway) PlansIndexKey() string                  { return g.Key("graph", "plans", "index") }
func (g *Gateway) BucketsKey(planID string) string        { return g.Key("graph", "buckets", planID) }
func (g *Gateway) TokenKey(kind, scopeHash string) string { return g.Key("tokens", kind, scopeHash) }
func (g *Gateway) SubsRegistryKey() string                { return g.Key("subs", "registry") }
func (g *Gateway) ClientStateKey(subID string) string     { return g.Key("subs", "clientState", subID) }
func (g *Gateway) CleanupLogKey() string                  { return g.Key("cleanup", "log") }
func (g *Gateway) CleanupStatsKey() string                { return g.Key("cleanup", "stats") }

// Pub/sub channels.
func (g *Gateway) TasksUpdatesChannel() string { return g.Channel("tasks:updates") }

// Bus stream names (Pulse streams share the Redis connection but not the
// gateway key prefix helpers; the prefix keeps them namespaced).
func (g *Gateway) PlannerBusStream() string { return g.Channel("bus:planner:webhook") }
func (g *Gateway) ChatBusStream() string    { return g.Channel("bus:chat:webhook") }
