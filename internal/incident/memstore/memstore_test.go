package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/ekarasync/internal/incident"
)

func TestStore_CreateAndFind(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	rec := &incident.Record{AlertID: "a-1", State: incident.StateInProgress, Comments: "Login failed"}

	number, err := s.Create(ctx, "incident", rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if number != "INC0010001" {
		t.Errorf("number = %q, want INC0010001", number)
	}
	if len(rec.SysID) != 32 {
		t.Errorf("sys_id = %q, want 32 hex chars", rec.SysID)
	}

	got, ok, err := s.FindByAlertID(ctx, "a-1")
	if err != nil {
		t.Fatalf("FindByAlertID: %v", err)
	}
	if !ok {
		t.Fatal("expected incident to be found")
	}
	if got.Number != number || got.Table != "incident" || got.Comments != "Login failed" {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestStore_FindMissing(t *testing.T) {
	t.Parallel()

	_, ok, err := New().FindByAlertID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("FindByAlertID: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing alert")
	}
}

func TestStore_ExactMatchOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "incident", &incident.Record{AlertID: "abc-123"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, id := range []string{"abc", "123", "abc-1234", "ABC-123"} {
		if _, ok, _ := s.FindByAlertID(ctx, id); ok {
			t.Errorf("FindByAlertID(%q) matched abc-123", id)
		}
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "incident", &incident.Record{AlertID: "a-2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := s.Create(ctx, "incident", &incident.Record{AlertID: "a-2"})
	if !errors.Is(err, incident.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_NumbersIncrease(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 3 {
		number, err := s.Create(ctx, "incident", &incident.Record{AlertID: fmt.Sprintf("a-%d", i)})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if want := fmt.Sprintf("INC%07d", 10001+i); number != want {
			t.Errorf("number = %q, want %q", number, want)
		}
	}
}

func TestStore_Update(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "incident", &incident.Record{AlertID: "a-3", State: incident.StateInProgress}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, _, _ := s.FindByAlertID(ctx, "a-3")
	closed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec.State = incident.StateResolved
	rec.ClosedAt = &closed
	rec.Number = "tampered"
	if err := s.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _, _ := s.FindByAlertID(ctx, "a-3")
	if got.State != incident.StateResolved {
		t.Errorf("state = %v, want resolved", got.State)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(closed) {
		t.Errorf("closed_at = %v", got.ClosedAt)
	}
	if got.Number != "INC0010001" {
		t.Errorf("number = %q, update must not change it", got.Number)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	t.Parallel()

	err := New().Update(context.Background(), &incident.Record{SysID: "nope"})
	if !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateAlreadyResolved(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "incident", &incident.Record{AlertID: "a-5", State: incident.StateInProgress}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _, _ := s.FindByAlertID(ctx, "a-5")
	second, _, _ := s.FindByAlertID(ctx, "a-5")

	first.State = incident.StateResolved
	first.Comments = "resolved once"
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	second.State = incident.StateResolved
	second.Comments = "resolved twice"
	if err := s.Update(ctx, second); !errors.Is(err, incident.ErrAlreadyResolved) {
		t.Fatalf("second Update err = %v, want ErrAlreadyResolved", err)
	}

	got, _, _ := s.FindByAlertID(ctx, "a-5")
	if got.Comments != "resolved once" {
		t.Errorf("Comments = %q, second resolution must not overwrite", got.Comments)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _ = s.Create(ctx, "incident", &incident.Record{AlertID: "a-4", Comments: "original"})

	got, _, _ := s.FindByAlertID(ctx, "a-4")
	got.Comments = "mutated"

	again, _, _ := s.FindByAlertID(ctx, "a-4")
	if again.Comments != "original" {
		t.Errorf("Comments = %q, want original (store should return copies)", again.Comments)
	}
}

func TestStore_ConcurrentCreate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "incident", &incident.Record{AlertID: "same"})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, incident.ErrAlreadyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestStore_WithService(t *testing.T) {
	t.Parallel()

	s := New()
	svc := incident.NewService(s, incident.StaticCaller("c"), nil, nil, nil)
	ctx := context.Background()

	start := svc.Sync(ctx, "incident", `{"alertStatus":"Start","alertId":"a-5","scenario":{"scenarioName":"Pay"}}`, true)
	if start.Message != incident.MsgInserted {
		t.Fatalf("start message = %q", start.Message)
	}
	end := svc.Sync(ctx, "incident", `{"alertStatus":"End","alertId":"a-5","scenario":{"scenarioName":"Pay"}}`, true)
	if end.Message != incident.MsgResolved || end.Number() != start.Number() {
		t.Fatalf("end = %+v", end)
	}

	got, _, _ := s.FindByAlertID(ctx, "a-5")
	if got.State != incident.StateResolved {
		t.Errorf("state = %v, want resolved", got.State)
	}
}
