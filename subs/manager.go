// Package subs maintains the change-notification subscriptions that keep
// the webhook firehose alive. It creates subscriptions for the planner task
// domain and the chat domain (one global chat subscription when the tenant
// allows it, per-chat subscriptions otherwise), renews them before expiry on
// a distributed ticker so exactly one cluster node sweeps, and tears them
// down on shutdown when configured to.
package subs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/pulse/pool"

	"goa.design/taskbridge/planner"
	"goa.design/taskbridge/store"
	"goa.design/taskbridge/telemetry"
)

// State is the lifecycle state of a subscription.
// Pending -> Active -> Renewing -> Active -> Expiring -> Deleted, with
// Failed as a terminal side state triggering recreation on the next sweep.
type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateRenewing State = "renewing"
	StateExpiring State = "expiring"
	StateFailed   State = "failed"
	StateDeleted  State = "deleted"
)

// Mode records how a subscription was created, for operator audit.
type Mode string

const (
	// ModePlanner is the task-domain subscription.
	ModePlanner Mode = "planner"
	// ModeGlobal is the tenant-wide chat subscription.
	ModeGlobal Mode = "global"
	// ModePerChat is the fallback when the tenant forbids global chat
	// subscriptions.
	ModePerChat Mode = "per_chat"
)

const (
	// plannerLifetime is the requested lifetime for task-domain
	// subscriptions.
	plannerLifetime = 24 * time.Hour
	// chatLifetime is the requested lifetime for chat subscriptions, which
	// the tenant caps much lower.
	chatLifetime = 50 * time.Minute
	// renewWindow triggers renewal when remaining lifetime drops below it.
	renewWindow = 20 * time.Minute
	// sweepInterval is how often the renewal sweep fires, cluster-wide.
	sweepInterval = 15 * time.Minute
)

type (
	// API is the subset of the planner client the manager needs.
	API interface {
		CreateSubscription(ctx context.Context, sub *planner.Subscription) (*planner.Subscription, error)
		RenewSubscription(ctx context.Context, id string, expires time.Time) (*planner.Subscription, error)
		DeleteSubscription(ctx context.Context, id string) error
		ListChats(ctx context.Context, userID string) ([]planner.Chat, error)
	}

	// Record is one registry entry, persisted under subs:registry.
	Record struct {
		ID        string    `json:"id"`
		Resource  string    `json:"resource"`
		Mode      Mode      `json:"mode"`
		State     State     `json:"state"`
		ExpiresAt time.Time `json:"expiresAt"`
	}

	// Options configures the manager.
	Options struct {
		// API is the planner client. Required.
		API API
		// Store persists the registry and clientState secrets. Required.
		Store *store.Gateway
		// Pool provides the distributed renewal ticker. Required.
		Pool *pool.Node
		// NotificationURL is the public HTTPS ingress for notifications.
		// Required.
		NotificationURL string
		// AgentUserID selects whose chats to subscribe to in per-chat mode.
		AgentUserID string
		// Logger defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Manager owns the subscription lifecycle.
	Manager struct {
		api             API
		store           *store.Gateway
		poolNode        *pool.Node
		notificationURL string
		agentUserID     string
		log             telemetry.Logger

		mu     sync.Mutex
		ticker *pool.Ticker

		closeOnce sync.Once
		closeCh   chan struct{}
	}
)

// New constructs a subscription manager.
func New(opts Options) (*Manager, error) {
	if opts.API == nil {
		return nil, errors.New("planner API is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store gateway is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("pool node is required")
	}
	if opts.NotificationURL == "" {
		return nil, errors.New("notification URL is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Manager{
		api:             opts.API,
		store:           opts.Store,
		poolNode:        opts.Pool,
		notificationURL: opts.NotificationURL,
		agentUserID:     opts.AgentUserID,
		log:             log,
		closeCh:         make(chan struct{}),
	}, nil
}

// Start ensures the planner and chat subscriptions exist and begins the
// renewal sweep on a distributed ticker.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.EnsurePlanner(ctx); err != nil {
		return fmt.Errorf("ensure planner subscription: %w", err)
	}
	if err := m.EnsureChats(ctx); err != nil {
		// Chat notifications are best-effort; the timed download path
		// covers the gap.
		m.log.Warn(ctx, "chat subscriptions unavailable", "err", err.Error())
	}

	ticker, err := m.poolNode.NewTicker(ctx, "subs:renewal", sweepInterval)
	if err != nil {
		return fmt.Errorf("create renewal ticker: %w", err)
	}
	m.mu.Lock()
	m.ticker = ticker
	m.mu.Unlock()
	go m.runSweepLoop(ctx, ticker)
	return nil
}

// Stop halts the sweep. When release is true the subscriptions are deleted;
// otherwise they are left for the next instance.
func (m *Manager) Stop(ctx context.Context, release bool) {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.mu.Lock()
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	m.mu.Unlock()

	if !release {
		return
	}
	reg, err := m.registry(ctx)
	if err != nil {
		return
	}
	for id, rec := range reg {
		if err := m.api.DeleteSubscription(ctx, id); err != nil {
			m.log.Warn(ctx, "release subscription failed", "id", id, "err", err.Error())
			continue
		}
		rec.State = StateDeleted
		delete(reg, id)
		_ = m.store.Del(ctx, m.store.ClientStateKey(id))
	}
	_ = m.saveRegistry(ctx, reg)
}

// EnsurePlanner creates the task-domain subscription when no active one is
// registered.
func (m *Manager) EnsurePlanner(ctx context.Context) error {
	reg, err := m.registry(ctx)
	if err != nil {
		return err
	}
	for _, rec := range reg {
		if rec.Mode == ModePlanner && rec.State == StateActive {
			return nil
		}
	}
	_, err = m.create(ctx, reg, "/planner/tasks", ModePlanner, plannerLifetime)
	if err != nil {
		return err
	}
	return m.saveRegistry(ctx, reg)
}

// EnsureChats creates chat-domain subscriptions. One global subscription is
// tried first; when the tenant forbids it, one per-chat subscription is
// created for each of the agent user's chats.
func (m *Manager) EnsureChats(ctx context.Context) error {
	reg, err := m.registry(ctx)
	if err != nil {
		return err
	}
	for _, rec := range reg {
		if (rec.Mode == ModeGlobal || rec.Mode == ModePerChat) && rec.State == StateActive {
			return nil
		}
	}

	_, err = m.create(ctx, reg, "/chats", ModeGlobal, chatLifetime)
	if err == nil {
		return m.saveRegistry(ctx, reg)
	}
	if planner.KindOf(err) != planner.KindForbidden {
		return err
	}

	m.log.Info(ctx, "global chat subscription forbidden, falling back to per-chat")
	chats, err := m.api.ListChats(ctx, m.agentUserID)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	for _, chat := range chats {
		resource := fmt.Sprintf("/chats/%s/messages", chat.ID)
		if _, err := m.create(ctx, reg, resource, ModePerChat, chatLifetime); err != nil {
			m.log.Warn(ctx, "per-chat subscription failed", "chat", chat.ID, "err", err.Error())
		}
	}
	return m.saveRegistry(ctx, reg)
}

// ValidateClientState checks an inbound notification's clientState against
// the stored secret for the subscription.
func (m *Manager) ValidateClientState(ctx context.Context, subscriptionID, clientState string) (bool, error) {
	want, ok, err := m.store.Get(ctx, m.store.ClientStateKey(subscriptionID))
	if err != nil {
		return false, err
	}
	return ok && want == clientState, nil
}

// Registry returns a snapshot of the subscription registry.
func (m *Manager) Registry(ctx context.Context) (map[string]Record, error) {
	return m.registry(ctx)
}

// create registers one subscription and records it in reg. The caller
// persists the registry.
func (m *Manager) create(ctx context.Context, reg map[string]Record, resource string, mode Mode, lifetime time.Duration) (*Record, error) {
	secret := uuid.New().String()
	sub, err := m.api.CreateSubscription(ctx, &planner.Subscription{
		Resource:           resource,
		ChangeType:         "updated,created,deleted",
		ClientState:        secret,
		NotificationURL:    m.notificationURL,
		ExpirationDateTime: time.Now().Add(lifetime).UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, m.store.ClientStateKey(sub.ID), secret, 0); err != nil {
		return nil, err
	}
	rec := Record{
		ID:        sub.ID,
		Resource:  resource,
		Mode:      mode,
		State:     StateActive,
		ExpiresAt: sub.ExpirationDateTime,
	}
	reg[sub.ID] = rec
	m.log.Info(ctx, "subscription created", "id", sub.ID, "resource", resource, "mode", string(mode), "expires", rec.ExpiresAt.Format(time.RFC3339))
	return &rec, nil
}

func (m *Manager) runSweepLoop(ctx context.Context, ticker *pool.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep renews every subscription whose remaining lifetime is below the
// renewal window. A failed renewal deletes and recreates the subscription,
// logging the notification gap window.
func (m *Manager) Sweep(ctx context.Context) {
	reg, err := m.registry(ctx)
	if err != nil {
		m.log.Error(ctx, "renewal sweep: load registry", "err", err.Error())
		return
	}
	changed := false
	for id, rec := range reg {
		if rec.State == StateFailed {
			// Recreate on this sweep.
			delete(reg, id)
			_ = m.store.Del(ctx, m.store.ClientStateKey(id))
			if _, err := m.create(ctx, reg, rec.Resource, rec.Mode, lifetimeFor(rec.Mode)); err != nil {
				m.log.Error(ctx, "recreate subscription", "resource", rec.Resource, "err", err.Error())
			}
			changed = true
			continue
		}
		if time.Until(rec.ExpiresAt) >= renewWindow {
			continue
		}
		rec.State = StateRenewing
		renewed, err := m.api.RenewSubscription(ctx, id, time.Now().Add(lifetimeFor(rec.Mode)).UTC())
		if err != nil {
			gap := time.Until(rec.ExpiresAt)
			m.log.Warn(ctx, "renewal failed, recreating", "id", id, "gap_window", gap.String(), "err", err.Error())
			_ = m.api.DeleteSubscription(ctx, id)
			delete(reg, id)
			_ = m.store.Del(ctx, m.store.ClientStateKey(id))
			if _, cerr := m.create(ctx, reg, rec.Resource, rec.Mode, lifetimeFor(rec.Mode)); cerr != nil {
				rec.State = StateFailed
				reg[id] = rec
				m.log.Error(ctx, "recreate subscription", "resource", rec.Resource, "err", cerr.Error())
			}
			changed = true
			continue
		}
		rec.State = StateActive
		rec.ExpiresAt = renewed.ExpirationDateTime
		reg[id] = rec
		changed = true
		m.log.Info(ctx, "subscription renewed", "id", id, "expires", rec.ExpiresAt.Format(time.RFC3339))
	}
	if changed {
		if err := m.saveRegistry(ctx, reg); err != nil {
			m.log.Error(ctx, "renewal sweep: save registry", "err", err.Error())
		}
	}
}

func lifetimeFor(mode Mode) time.Duration {
	if mode == ModePlanner {
		return plannerLifetime
	}
	return chatLifetime
}

func (m *Manager) registry(ctx context.Context) (map[string]Record, error) {
	reg := make(map[string]Record)
	if _, err := m.store.GetJSON(ctx, m.store.SubsRegistryKey(), &reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (m *Manager) saveRegistry(ctx context.Context, reg map[string]Record) error {
	return m.store.SetJSON(ctx, m.store.SubsRegistryKey(), reg, 0)
}
