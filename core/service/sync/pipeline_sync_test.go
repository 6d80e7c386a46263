package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/engine"
	"pipeline_server/core/service/registry"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAccountRepo struct {
	mu       gosync.Mutex
	accounts map[int64]*domain.Account
}

func newFakeAccountRepo(accounts ...*domain.Account) *fakeAccountRepo {
	r := &fakeAccountRepo{accounts: make(map[int64]*domain.Account)}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAccountRepo) ListByStatus(_ context.Context, status domain.AccountStatus) ([]*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*domain.Account
	for _, a := range r.accounts {
		if a.Status == status {
			cp := *a
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (r *fakeAccountRepo) UpdateCursor(_ context.Context, id int64, expectedPrev, newCursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if a.SyncCursor != expectedPrev {
		return domain.ErrStaleCursor
	}
	a.SyncCursor = newCursor
	return nil
}

func (r *fakeAccountRepo) UpdateStatus(_ context.Context, id int64, status domain.AccountStatus, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Status = status
	a.LastError = lastError
	return nil
}

func (r *fakeAccountRepo) TouchSyncedAt(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		a.LastSyncedAt = time.Now().UTC()
	}
	return nil
}

func (r *fakeAccountRepo) cursor(id int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].SyncCursor
}

func (r *fakeAccountRepo) status(id int64) domain.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id].Status
}

type fakeCredentials struct {
	err error
}

func (c *fakeCredentials) AccessToken(_ context.Context, _ *domain.Account) (*oauth2.Token, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: "token"}, nil
}

// fakeProvider serves scripted pages keyed by cursor.
type fakeProvider struct {
	mu      gosync.Mutex
	pages   map[string]*out.FetchPage
	errs    map[string]error
	calls   int
	active  int
	maxSeen int
	block   chan struct{} // when set, FetchSince parks until closed
}

func (p *fakeProvider) ProviderType() domain.Provider { return domain.MailProviderGmail }

func (p *fakeProvider) FetchSince(ctx context.Context, _ *oauth2.Token, cursor string) (*out.FetchPage, error) {
	p.mu.Lock()
	p.calls++
	p.active++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	block := p.block
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[cursor]; ok {
		return nil, err
	}
	if page, ok := p.pages[cursor]; ok {
		return page, nil
	}
	return &out.FetchPage{NextCursor: cursor}, nil
}

func (p *fakeProvider) FetchMessage(_ context.Context, _ *oauth2.Token, id string) (*domain.CanonicalMessage, error) {
	return nil, out.NewProviderError(domain.MailProviderGmail, out.ProviderErrNotFound, "no message "+id, nil)
}

type fakeFactory struct{ provider out.MailProviderPort }

func (f *fakeFactory) ProviderFor(_ *domain.Account) (out.MailProviderPort, error) {
	return f.provider, nil
}

// fakeStore records upserts and can fail on demand.
type fakeStore struct {
	mu         gosync.Mutex
	messages   map[string]*domain.CanonicalMessage
	results    map[string]*domain.CategorizationResult
	failResult bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[string]*domain.CanonicalMessage),
		results:  make(map[string]*domain.CategorizationResult),
	}
}

func (s *fakeStore) UpsertMessage(_ context.Context, msg *domain.CanonicalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.Key()] = msg
	return nil
}

func (s *fakeStore) UpsertResult(_ context.Context, res *domain.CategorizationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failResult {
		return errors.New("result store unavailable")
	}
	s.results[fmt.Sprintf("%d:%s", res.AccountID, res.ProviderMessageID)] = res
	return nil
}

func (s *fakeStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages), len(s.results)
}

type okAI struct{}

func (okAI) ClassifyAndDraft(_ context.Context, _ *domain.CanonicalMessage, _ bool) (*out.Classification, error) {
	return &out.Classification{Label: domain.LabelOther, Confidence: 0.5}, nil
}

type recordingDispatcher struct {
	mu   gosync.Mutex
	jobs []*domain.SyncJob
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job *domain.SyncJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// =============================================================================
// Helpers
// =============================================================================

func testMsg(accountID int64, id string) *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		AccountID:         accountID,
		ProviderMessageID: id,
		Subject:           "subject " + id,
		ReceivedAt:        time.Now().UTC(),
	}
}

func activeAccount(id int64, cursor string) *domain.Account {
	return &domain.Account{
		ID:         id,
		Provider:   domain.MailProviderGmail,
		SyncCursor: cursor,
		Status:     domain.AccountStatusActive,
	}
}

func newOrchestrator(repo *fakeAccountRepo, provider out.MailProviderPort, store *fakeStore) (*Orchestrator, *registry.Service) {
	reg := registry.NewService(repo)
	eng := engine.New(okAI{})
	orch := NewOrchestrator(reg, &fakeCredentials{}, &fakeFactory{provider: provider}, eng, store, nil, nil)
	return orch, reg
}

// =============================================================================
// Orchestrator tests
// =============================================================================

func TestSyncAccount_HappyPath(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	provider := &fakeProvider{pages: map[string]*out.FetchPage{
		"c0": {
			Messages:   []*domain.CanonicalMessage{testMsg(1, "m1"), testMsg(1, "m2"), testMsg(1, "m3")},
			NextCursor: "c1",
		},
	}}
	store := newFakeStore()
	orch, _ := newOrchestrator(repo, provider, store)

	report, err := orch.SyncAccount(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Outcome != domain.BatchComplete {
		t.Fatalf("outcome = %s, want complete", report.Outcome)
	}
	if report.Fetched != 3 || report.Persisted != 3 {
		t.Errorf("fetched=%d persisted=%d, want 3/3", report.Fetched, report.Persisted)
	}

	msgs, results := store.counts()
	if msgs != 3 || results != 3 {
		t.Errorf("store has %d messages, %d results, want 3/3", msgs, results)
	}
	if got := repo.cursor(1); got != "c1" {
		t.Errorf("cursor = %q, want c1", got)
	}
}

func TestSyncAccount_CursorHeldWhenPersistFails(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	provider := &fakeProvider{pages: map[string]*out.FetchPage{
		"c0": {
			Messages:   []*domain.CanonicalMessage{testMsg(1, "m1")},
			NextCursor: "c1",
		},
	}}
	store := newFakeStore()
	store.failResult = true
	orch, _ := newOrchestrator(repo, provider, store)

	report, err := orch.SyncAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("want error when result store fails")
	}
	if report.Outcome != domain.BatchFailed {
		t.Errorf("outcome = %s, want failed", report.Outcome)
	}
	if got := repo.cursor(1); got != "c0" {
		t.Errorf("cursor advanced to %q although nothing was durably stored", got)
	}
}

func TestSyncAccount_MultiPage(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	provider := &fakeProvider{pages: map[string]*out.FetchPage{
		"c0": {Messages: []*domain.CanonicalMessage{testMsg(1, "m1")}, NextCursor: "c1", HasMore: true},
		"c1": {Messages: []*domain.CanonicalMessage{testMsg(1, "m2")}, NextCursor: "c2"},
	}}
	store := newFakeStore()
	orch, _ := newOrchestrator(repo, provider, store)

	report, err := orch.SyncAccount(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Fetched != 2 {
		t.Errorf("fetched = %d, want 2", report.Fetched)
	}
	if got := repo.cursor(1); got != "c2" {
		t.Errorf("cursor = %q, want c2", got)
	}
}

func TestSyncAccount_PartialOnSecondPageFailure(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	provider := &fakeProvider{
		pages: map[string]*out.FetchPage{
			"c0": {Messages: []*domain.CanonicalMessage{testMsg(1, "m1")}, NextCursor: "c1", HasMore: true},
		},
		errs: map[string]error{
			"c1": out.NewProviderError(domain.MailProviderGmail, out.ProviderErrTransient, "connection reset", nil),
		},
	}
	store := newFakeStore()
	orch, _ := newOrchestrator(repo, provider, store)

	report, err := orch.SyncAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("want transient error from second page")
	}
	if report.Outcome != domain.BatchPartial {
		t.Errorf("outcome = %s, want partial", report.Outcome)
	}
	// First page's work is kept and its cursor advance stands.
	if got := repo.cursor(1); got != "c1" {
		t.Errorf("cursor = %q, want c1", got)
	}
}

func TestSyncAccount_MutualExclusion(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	block := make(chan struct{})
	provider := &fakeProvider{
		pages: map[string]*out.FetchPage{
			"c0": {Messages: []*domain.CanonicalMessage{testMsg(1, "m1")}, NextCursor: "c1"},
		},
		block: block,
	}
	store := newFakeStore()
	orch, _ := newOrchestrator(repo, provider, store)

	done := make(chan error, 1)
	go func() {
		_, err := orch.SyncAccount(context.Background(), 1)
		done <- err
	}()

	// Wait for the first cycle to take the lock.
	deadline := time.After(time.Second)
	for !orch.InFlight(1) {
		select {
		case <-deadline:
			t.Fatal("first sync never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := orch.SyncAccount(context.Background(), 1); !errors.Is(err, domain.ErrAccountBusy) {
		t.Fatalf("second sync got %v, want ErrAccountBusy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if provider.maxSeen > 1 {
		t.Errorf("provider saw %d concurrent fetches for one account", provider.maxSeen)
	}

	// Lock is released after completion.
	if _, err := orch.SyncAccount(context.Background(), 1); err != nil {
		t.Fatalf("sync after release: %v", err)
	}
}

func TestSyncAccount_AuthExpiredParksAccount(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	provider := &fakeProvider{errs: map[string]error{
		"c0": out.NewProviderError(domain.MailProviderGmail, out.ProviderErrAuthExpired, "invalid_grant", nil),
	}}
	orch, _ := newOrchestrator(repo, provider, newFakeStore())

	_, err := orch.SyncAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("want auth error")
	}
	if got := repo.status(1); got != domain.AccountStatusError {
		t.Errorf("status = %s, want error", got)
	}
	if got := repo.cursor(1); got != "c0" {
		t.Errorf("cursor moved to %q on auth failure", got)
	}
}

func TestSyncAccount_InvalidCursorResyncsFromBaseline(t *testing.T) {
	// The registry still holds the expired cursor while the baseline fetch
	// runs from "": the first advance must compare against the stored value,
	// not the fetch position.
	repo := newFakeAccountRepo(activeAccount(1, "expired-cursor"))
	provider := &fakeProvider{
		pages: map[string]*out.FetchPage{
			"":   {Messages: []*domain.CanonicalMessage{testMsg(1, "m1")}, NextCursor: "c1", HasMore: true},
			"c1": {Messages: []*domain.CanonicalMessage{testMsg(1, "m2")}, NextCursor: "c2"},
		},
		errs: map[string]error{
			"expired-cursor": out.NewProviderError(domain.MailProviderGmail, out.ProviderErrCursorInvalid, "history expired", nil),
		},
	}
	store := newFakeStore()
	orch, _ := newOrchestrator(repo, provider, store)

	report, err := orch.SyncAccount(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncAccount: %v", err)
	}
	if report.Outcome != domain.BatchComplete {
		t.Fatalf("outcome = %s, want complete after baseline resync", report.Outcome)
	}
	if got := repo.cursor(1); got != "c2" {
		t.Errorf("cursor = %q, want c2", got)
	}
	if report.Cursor != "c2" {
		t.Errorf("report cursor = %q, want c2", report.Cursor)
	}
	if msgs, results := store.counts(); msgs != 2 || results != 2 {
		t.Errorf("store holds %d messages / %d results, want 2/2", msgs, results)
	}
}

func TestSyncAccount_PausedAccountRefused(t *testing.T) {
	acc := activeAccount(1, "c0")
	acc.Status = domain.AccountStatusPaused
	repo := newFakeAccountRepo(acc)
	orch, _ := newOrchestrator(repo, &fakeProvider{}, newFakeStore())

	if _, err := orch.SyncAccount(context.Background(), 1); err == nil {
		t.Fatal("paused account must not sync")
	}
}

// =============================================================================
// Scheduler tests
// =============================================================================

func TestScheduler_TickDispatchesActiveOnly(t *testing.T) {
	paused := activeAccount(2, "c0")
	paused.Status = domain.AccountStatusPaused
	repo := newFakeAccountRepo(activeAccount(1, "c0"), paused)
	d := &recordingDispatcher{}
	s := NewScheduler(registry.NewService(repo), d, nil, domain.DefaultBackoffConfig())

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 || d.count() != 1 {
		t.Fatalf("dispatched %d jobs, want 1", d.count())
	}

	// A running job is not re-dispatched on the next tick.
	n, _ = s.Tick(context.Background())
	if n != 0 {
		t.Fatalf("second tick dispatched %d, want 0", n)
	}
}

func TestScheduler_RateLimitedRespectsRetryAfter(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	d := &recordingDispatcher{}
	s := NewScheduler(registry.NewService(repo), d, nil, domain.DefaultBackoffConfig())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })

	ctx := context.Background()
	if !s.TriggerAccount(ctx, 1) {
		t.Fatal("trigger refused")
	}
	job := d.jobs[0]

	rlErr := out.NewRateLimitedError(domain.MailProviderGmail, 30*time.Second, nil)
	s.HandleResult(ctx, job, nil, rlErr)

	if job.State != domain.SyncJobBackoff {
		t.Fatalf("state = %s, want backoff", job.State)
	}
	if job.NextAttemptAt.Before(base.Add(30 * time.Second)) {
		t.Fatalf("next attempt %s earlier than retry-after window", job.NextAttemptAt)
	}

	// Not due yet: trigger is refused.
	if s.TriggerAccount(ctx, 1) {
		t.Fatal("trigger accepted during backoff")
	}

	// After the window the job becomes due and re-triggerable.
	s.SetClock(func() time.Time { return base.Add(31 * time.Second) })
	if len(s.DueJobs()) != 1 {
		t.Fatal("job not due after retry window")
	}
	if !s.TriggerAccount(ctx, 1) {
		t.Fatal("trigger refused after backoff elapsed")
	}
}

func TestScheduler_BackoffGrowsAndExhausts(t *testing.T) {
	cfg := domain.BackoffConfig{Base: time.Second, Cap: 60 * time.Second, Jitter: 0, MaxAttempts: 3}
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	d := &recordingDispatcher{}
	s := NewScheduler(registry.NewService(repo), d, nil, cfg)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	ctx := context.Background()
	transient := out.NewProviderError(domain.MailProviderGmail, out.ProviderErrTransient, "timeout", nil)

	var prevDelay time.Duration
	for attempt := 1; attempt < cfg.MaxAttempts; attempt++ {
		if !s.TriggerAccount(ctx, 1) {
			t.Fatalf("attempt %d: trigger refused", attempt)
		}
		job := d.jobs[len(d.jobs)-1]
		s.HandleResult(ctx, job, nil, transient)

		if job.State != domain.SyncJobBackoff {
			t.Fatalf("attempt %d: state = %s", attempt, job.State)
		}
		delay := job.NextAttemptAt.Sub(now)
		if delay < prevDelay {
			t.Fatalf("attempt %d: delay %s shrank below %s", attempt, delay, prevDelay)
		}
		if delay > cfg.Cap {
			t.Fatalf("attempt %d: delay %s above cap", attempt, delay)
		}
		prevDelay = delay
		now = job.NextAttemptAt.Add(time.Millisecond)
	}

	// Final attempt exhausts the budget and parks the account.
	if !s.TriggerAccount(ctx, 1) {
		t.Fatal("final trigger refused")
	}
	s.HandleResult(ctx, d.jobs[len(d.jobs)-1], nil, transient)

	if got := repo.status(1); got != domain.AccountStatusError {
		t.Fatalf("status = %s, want error after exhaustion", got)
	}
	if len(s.DueJobs()) != 0 {
		t.Fatal("exhausted job still in table")
	}
}

func TestScheduler_SuccessResetsState(t *testing.T) {
	repo := newFakeAccountRepo(activeAccount(1, "c0"))
	d := &recordingDispatcher{}
	s := NewScheduler(registry.NewService(repo), d, nil, domain.DefaultBackoffConfig())
	ctx := context.Background()

	if !s.TriggerAccount(ctx, 1) {
		t.Fatal("trigger refused")
	}
	s.HandleResult(ctx, d.jobs[0], &domain.BatchReport{Outcome: domain.BatchComplete}, nil)

	if len(s.Snapshot()) != 0 {
		t.Fatal("job table not cleared after success")
	}
	if !s.TriggerAccount(ctx, 1) {
		t.Fatal("account not idle after success")
	}
}

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	cfg := domain.DefaultBackoffConfig()
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := cfg.Delay(attempt)
			max := time.Duration(float64(cfg.Cap) * (1 + cfg.Jitter))
			if d < 0 || d > max {
				t.Fatalf("attempt %d: delay %s outside [0, %s]", attempt, d, max)
			}
		}
	}
}
