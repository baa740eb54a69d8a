package sync

import (
	"context"
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

type fakePublisher struct {
	mu       stdsync.Mutex
	subjects []string
	payloads [][]byte
	msgIDs   []string
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	p.msgIDs = append(p.msgIDs, msgID)
	return nil
}

func TestCoordinatorSyncAll(t *testing.T) {
	repo := newFakeRepo()
	repo.accounts = []model.Account{
		{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true},
		{ID: "a2", Email: "a2@example.com", Provider: model.ProviderGoogle, Enabled: true},
		{ID: "a3", Email: "a3@example.com", Provider: model.ProviderGoogle, Enabled: false},
	}

	pub := &fakePublisher{}
	factory := func(ctx context.Context, account model.Account) (MailClient, error) {
		return &fakeClient{
			currentPosition: func(ctx context.Context) (string, error) { return "1", nil },
		}, nil
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{Publisher: pub})
	results, err := c.SyncAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (disabled account skipped)", len(results))
	}
	for id, res := range results {
		if res.Status != StatusSuccess {
			t.Errorf("account %s: status %s, err %v", id, res.Status, res.Err)
		}
	}

	if c.LastRun().IsZero() {
		t.Error("last-run timestamp not recorded")
	}

	statuses := c.Statuses()
	for _, id := range []string{"a1", "a2"} {
		if statuses[id].State != StateCompleted {
			t.Errorf("account %s: state %q, want %q", id, statuses[id].State, StateCompleted)
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.subjects))
	}
	seen := map[string]bool{}
	for _, subj := range pub.subjects {
		seen[subj] = true
	}
	if !seen["account.a1.sync.completed"] || !seen["account.a2.sync.completed"] {
		t.Errorf("unexpected subjects %v", pub.subjects)
	}

	var event map[string]interface{}
	if err := json.Unmarshal(pub.payloads[0], &event); err != nil {
		t.Fatalf("event payload not valid JSON: %v", err)
	}
	for _, key := range []string{"event_id", "ts", "account_id", "email", "status"} {
		if _, ok := event[key]; !ok {
			t.Errorf("event payload missing %q: %v", key, event)
		}
	}
}

func TestCoordinatorReauthUsesReauthFactory(t *testing.T) {
	repo := newFakeRepo()
	account := model.Account{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true}

	// The base factory hands out a client whose token no longer works; only
	// the reauth factory produces a working one.
	revoked := &fakeClient{
		listLabels: func(ctx context.Context) ([]model.Label, error) {
			return nil, NewError(KindAuthorization, errors.New("invalid credentials"))
		},
	}
	fresh := &fakeClient{
		currentPosition: func(ctx context.Context) (string, error) { return "1", nil },
	}

	factory := func(ctx context.Context, a model.Account) (MailClient, error) {
		return revoked, nil
	}
	reauths := 0
	reauth := func(ctx context.Context, a model.Account) (MailClient, error) {
		reauths++
		return fresh, nil
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{Reauth: reauth})
	res := c.SyncOne(context.Background(), account)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if reauths != 1 {
		t.Errorf("reauth factory called %d times, want 1", reauths)
	}
}

func TestCoordinatorSeedStatuses(t *testing.T) {
	repo := newFakeRepo()
	repo.accounts = []model.Account{
		{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true},
		{ID: "a2", Email: "a2@example.com", Provider: model.ProviderGoogle, Enabled: false},
	}

	factory := func(ctx context.Context, a model.Account) (MailClient, error) {
		return &fakeClient{
			currentPosition: func(ctx context.Context) (string, error) { return "1", nil },
		}, nil
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{})
	if err := c.SeedStatuses(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses := c.Statuses()
	if st := statuses["a1"]; st.State != StateIdle {
		t.Errorf("a1 state = %q, want %q", st.State, StateIdle)
	}
	if _, ok := statuses["a2"]; ok {
		t.Error("disabled account should not be seeded")
	}

	// Re-seeding must not reset an account that already ran.
	c.SyncOne(context.Background(), repo.accounts[0])
	if err := c.SeedStatuses(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := c.Statuses()["a1"]; st.State != StateCompleted {
		t.Errorf("a1 state after re-seed = %q, want %q", st.State, StateCompleted)
	}
}

func TestCoordinatorClientFactoryFailure(t *testing.T) {
	repo := newFakeRepo()
	account := model.Account{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true}

	factory := func(ctx context.Context, a model.Account) (MailClient, error) {
		return nil, errors.New("no token available")
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{})
	res := c.SyncOne(context.Background(), account)

	if res.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	if st := c.Statuses()["a1"]; st.State != StateError {
		t.Errorf("state = %q, want %q", st.State, StateError)
	}
}

func TestCoordinatorPartialSuccessState(t *testing.T) {
	repo := newFakeRepo()
	account := model.Account{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true}

	factory := func(ctx context.Context, a model.Account) (MailClient, error) {
		return &fakeClient{
			listMessages: func(ctx context.Context, pageToken string) ([]string, string, error) {
				return []string{"bad"}, "", nil
			},
			getMessage: func(ctx context.Context, id string) (model.Message, error) {
				return model.Message{}, NewError(KindMalformedResponse, errors.New("bad payload"))
			},
			currentPosition: func(ctx context.Context) (string, error) { return "1", nil },
		}, nil
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{})
	res := c.SyncOne(context.Background(), account)

	if res.Status != StatusPartialSuccess {
		t.Fatalf("status = %s, want partial success", res.Status)
	}
	if st := c.Statuses()["a1"]; st.State != StateWarning {
		t.Errorf("state = %q, want %q", st.State, StateWarning)
	}
}

func TestCoordinatorWorksWithoutPublisher(t *testing.T) {
	repo := newFakeRepo()
	repo.accounts = []model.Account{
		{ID: "a1", Email: "a1@example.com", Provider: model.ProviderGoogle, Enabled: true},
	}

	factory := func(ctx context.Context, a model.Account) (MailClient, error) {
		return &fakeClient{
			currentPosition: func(ctx context.Context) (string, error) { return "1", nil },
		}, nil
	}

	c := NewCoordinator(repo, factory, CoordinatorConfig{})
	if _, err := c.SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
}
