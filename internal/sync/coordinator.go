package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

// Observable per-account states. "completed_with_warnings" distinguishes a
// partial success from a clean run without making observers inspect errors.
const (
	StateIdle      = "idle"
	StateSyncing   = "syncing"
	StateCompleted = "completed"
	StateWarning   = "completed_with_warnings"
	StateError     = "error"
)

const defaultMaxConcurrent = 4

// AccountStatus is the observable sync state for one account. Observers poll
// it; the coordinator never pushes events to them.
type AccountStatus struct {
	State     string    `json:"state"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventPublisher publishes sync lifecycle events for downstream consumers.
// The NATS JetStream publisher satisfies it; msgID enables broker-side
// deduplication.
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Coordinator fans engine runs out across all enabled accounts and
// aggregates per-account progress for observers.
type Coordinator struct {
	repo      Repository
	newClient ClientFactory
	reauth    ClientFactory
	guard     *Guard
	publisher EventPublisher

	messageCap    int
	maxConcurrent int
	policy        BusyPolicy

	mu       sync.RWMutex
	statuses map[string]AccountStatus
	lastRun  time.Time
}

// CoordinatorConfig carries the tunables for a Coordinator.
type CoordinatorConfig struct {
	MessageCap    int
	MaxConcurrent int
	BusyPolicy    BusyPolicy
	Publisher     EventPublisher // optional

	// Reauth rebuilds a client with freshly fetched credentials after an
	// authorization failure. Callers whose factory caches tokens must drop
	// the cache here, or the rebuilt client carries the same bad token.
	// Defaults to the client factory.
	Reauth ClientFactory
}

// NewCoordinator creates a coordinator over the given repository and client
// factory.
func NewCoordinator(repo Repository, newClient ClientFactory, cfg CoordinatorConfig) *Coordinator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	reauth := cfg.Reauth
	if reauth == nil {
		reauth = newClient
	}
	return &Coordinator{
		repo:          repo,
		newClient:     newClient,
		reauth:        reauth,
		guard:         NewGuard(),
		publisher:     cfg.Publisher,
		messageCap:    cfg.MessageCap,
		maxConcurrent: maxConcurrent,
		policy:        cfg.BusyPolicy,
		statuses:      make(map[string]AccountStatus),
	}
}

// SeedStatuses marks enabled accounts without a recorded status as idle so
// observers see them before their first run. Accounts that already synced
// keep their state.
func (c *Coordinator) SeedStatuses(ctx context.Context) error {
	accounts, err := c.repo.ListAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, account := range accounts {
		if _, ok := c.statuses[account.ID]; !ok {
			c.statuses[account.ID] = AccountStatus{
				State:     StateIdle,
				Message:   "not yet synced",
				UpdatedAt: time.Now(),
			}
		}
	}
	return nil
}

// SyncAll runs one engine invocation per enabled account concurrently with
// bounded fan-out and returns the results keyed by account id. The last-run
// timestamp is recorded once every account's run has resolved.
func (c *Coordinator) SyncAll(ctx context.Context) (map[string]Result, error) {
	accounts, err := c.repo.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	results := make(map[string]Result, len(accounts))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for _, account := range accounts {
		g.Go(func() error {
			res := c.SyncOne(gctx, account)
			resultsMu.Lock()
			results[account.ID] = res
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()

	return results, nil
}

// SyncOne runs a single account through the engine, updating the observable
// status as the run starts and ends.
func (c *Coordinator) SyncOne(ctx context.Context, account model.Account) Result {
	c.setStatus(account.ID, StateSyncing, "sync in progress")
	log.Printf("sync start: %s (%s)", account.ID, account.Email)

	client, err := c.newClient(ctx, account)
	if err != nil {
		res := Result{Status: StatusFailure, Err: fmt.Errorf("create client: %w", err)}
		c.finishOne(account, res)
		return res
	}

	engine := &Engine{
		Repo:        c.repo,
		Client:      client,
		Guard:       c.guard,
		Policy:      c.policy,
		MessageCap:  c.messageCap,
		MaxAttempts: defaultMaxAttempts,
		Reauth: func(ctx context.Context) (MailClient, error) {
			return c.reauth(ctx, account)
		},
	}

	res := engine.Sync(ctx, account)
	c.finishOne(account, res)
	return res
}

// finishOne records the terminal status for a run and publishes the
// completion event.
func (c *Coordinator) finishOne(account model.Account, res Result) {
	switch res.Status {
	case StatusSuccess:
		c.setStatus(account.ID, StateCompleted,
			fmt.Sprintf("synced: %d added, %d updated, %d deleted", res.Added, res.Updated, res.Deleted))
	case StatusPartialSuccess:
		c.setStatus(account.ID, StateWarning,
			fmt.Sprintf("synced with %d message failures", len(res.Failures)))
	case StatusSkipped:
		log.Printf("sync skipped: %s already running", account.ID)
		return
	default:
		msg := "sync failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		c.setStatus(account.ID, StateError, msg)
		log.Printf("sync error %s: %v", account.ID, res.Err)
	}

	c.publishCompleted(account, res)
}

func (c *Coordinator) publishCompleted(account model.Account, res Result) {
	if c.publisher == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"event_id":   uuid.NewString(),
		"ts":         time.Now().Unix(),
		"account_id": account.ID,
		"email":      account.Email,
		"status":     res.Status.String(),
		"added":      res.Added,
		"updated":    res.Updated,
		"deleted":    res.Deleted,
		"failures":   len(res.Failures),
	})
	if err != nil {
		return
	}

	subject := fmt.Sprintf("account.%s.sync.completed", account.ID)
	msgID := fmt.Sprintf("sync.completed|%s|%d", account.ID, time.Now().UnixNano())
	if err := c.publisher.Publish(subject, payload, msgID); err != nil {
		log.Printf("publish sync event for %s: %v", account.ID, err)
	}
}

func (c *Coordinator) setStatus(accountID, state, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statuses[accountID] = AccountStatus{
		State:     state,
		Message:   message,
		UpdatedAt: time.Now(),
	}
}

// Statuses returns a copy of the per-account status map.
func (c *Coordinator) Statuses() map[string]AccountStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]AccountStatus, len(c.statuses))
	for id, st := range c.statuses {
		out[id] = st
	}
	return out
}

// LastRun returns the wall-clock time when the last SyncAll cycle resolved.
func (c *Coordinator) LastRun() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRun
}
