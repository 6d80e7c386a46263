package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pipeline_server/core/domain"
)

// fakeAccountRepo is an in-memory AccountRepository with CAS semantics.
type fakeAccountRepo struct {
	accounts map[int64]*domain.Account
	touched  map[int64]int
}

func newFakeAccountRepo(accounts ...*domain.Account) *fakeAccountRepo {
	r := &fakeAccountRepo{
		accounts: make(map[int64]*domain.Account),
		touched:  make(map[int64]int),
	}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

func (r *fakeAccountRepo) GetByID(_ context.Context, id int64) (*domain.Account, error) {
	a, ok := r.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return a, nil
}

func (r *fakeAccountRepo) ListByStatus(_ context.Context, status domain.AccountStatus) ([]*domain.Account, error) {
	var out []*domain.Account
	for _, a := range r.accounts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeAccountRepo) UpdateCursor(_ context.Context, id int64, expectedPrev, newCursor string) error {
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
	a, ok := r.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	a.Status = status
	a.LastError = lastError
	return nil
}

func (r *fakeAccountRepo) TouchSyncedAt(_ context.Context, id int64) error {
	r.touched[id]++
	if a, ok := r.accounts[id]; ok {
		a.LastSyncedAt = time.Now().UTC()
	}
	return nil
}

func account(id int64, status domain.AccountStatus, cursor string) *domain.Account {
	return &domain.Account{
		ID:         id,
		Provider:   domain.MailProviderGmail,
		SyncCursor: cursor,
		Status:     status,
	}
}

func TestListActiveAccounts(t *testing.T) {
	repo := newFakeAccountRepo(
		account(1, domain.AccountStatusActive, "c1"),
		account(2, domain.AccountStatusPaused, "c2"),
		account(3, domain.AccountStatusError, "c3"),
		account(4, domain.AccountStatusActive, "c4"),
	)
	svc := NewService(repo)

	got, err := svc.ListActiveAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d accounts, want 2 (paused and errored excluded)", len(got))
	}
	for _, a := range got {
		if !a.IsSchedulable() {
			t.Errorf("account %d returned but not schedulable", a.ID)
		}
	}
}

func TestAdvanceCursor(t *testing.T) {
	tests := []struct {
		name       string
		stored     string
		prev       string
		next       string
		wantErr    error
		wantCursor string
		wantTouch  int
	}{
		{
			name:       "normal advance",
			stored:     "c0",
			prev:       "c0",
			next:       "c1",
			wantCursor: "c1",
			wantTouch:  1,
		},
		{
			name:       "stale prev loses CAS",
			stored:     "c2",
			prev:       "c0",
			next:       "c1",
			wantErr:    domain.ErrStaleCursor,
			wantCursor: "c2",
		},
		{
			name:       "same cursor is a no-op",
			stored:     "c1",
			prev:       "c1",
			next:       "c1",
			wantCursor: "c1",
		},
		{
			name:       "empty next cursor rejected",
			stored:     "c1",
			prev:       "c1",
			next:       "",
			wantErr:    errAny,
			wantCursor: "c1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeAccountRepo(account(1, domain.AccountStatusActive, tt.stored))
			svc := NewService(repo)

			err := svc.AdvanceCursor(context.Background(), 1, tt.prev, tt.next)
			switch {
			case tt.wantErr == errAny:
				if err == nil {
					t.Fatal("want error, got nil")
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("want %v, got %v", tt.wantErr, err)
				}
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}

			if got := repo.accounts[1].SyncCursor; got != tt.wantCursor {
				t.Errorf("cursor = %q, want %q", got, tt.wantCursor)
			}
			if got := repo.touched[1]; got != tt.wantTouch {
				t.Errorf("touched = %d, want %d", got, tt.wantTouch)
			}
		})
	}
}

var errAny = errors.New("any error")

func TestMarkErrorStopsScheduling(t *testing.T) {
	repo := newFakeAccountRepo(account(1, domain.AccountStatusActive, "c0"))
	svc := NewService(repo)
	ctx := context.Background()

	if err := svc.MarkError(ctx, 1, "credential refresh required"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	active, _ := svc.ListActiveAccounts(ctx)
	if len(active) != 0 {
		t.Fatal("errored account still listed as active")
	}
	if repo.accounts[1].LastError == "" {
		t.Error("last error reason not recorded")
	}
}

func TestPauseResumeKeepsCursor(t *testing.T) {
	repo := newFakeAccountRepo(account(1, domain.AccountStatusActive, "c5"))
	svc := NewService(repo)
	ctx := context.Background()

	if err := svc.Pause(ctx, 1); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if repo.accounts[1].Status != domain.AccountStatusPaused {
		t.Fatal("account not paused")
	}

	if err := svc.Resume(ctx, 1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if repo.accounts[1].Status != domain.AccountStatusActive {
		t.Fatal("account not active after resume")
	}
	if repo.accounts[1].SyncCursor != "c5" {
		t.Errorf("cursor changed across pause/resume: %q", repo.accounts[1].SyncCursor)
	}
}
