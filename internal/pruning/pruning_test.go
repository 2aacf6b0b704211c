package pruning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

type countingSweeper struct {
	calls int
	err   error
}

func (c *countingSweeper) SweepBlobs(context.Context) (int, error) {
	c.calls++
	return 2, c.err
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func addSession(t *testing.T, st *store.Store, id string, updated time.Time, messages int) {
	t.Helper()
	ctx := context.Background()
	if err := st.InsertSession(ctx, &store.Session{
		ID: id, CreatedAt: updated, UpdatedAt: updated, Status: store.StatusActive, Metadata: map[string]any{},
	}); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	for i := 1; i <= messages; i++ {
		if err := st.InsertMessage(ctx, &store.Message{
			ID:        fmt.Sprintf("%s-m%d", id, i),
			SessionID: id,
			Seq:       int64(i),
			Role:      types.RoleUser,
			Content:   []types.ContentBlock{types.TextBlock(fmt.Sprintf("message %d", i))},
			CreatedAt: updated,
		}); err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}
}

func TestPruneAppliesLimits(t *testing.T) {
	st := setupStore(t)
	now := time.Now().UTC()
	addSession(t, st, "expired", now.Add(-40*24*time.Hour), 2)
	addSession(t, st, "older", now.Add(-3*time.Hour), 1)
	addSession(t, st, "recent", now.Add(-2*time.Hour), 1)
	addSession(t, st, "newest", now.Add(-time.Hour), 5)

	sweeper := &countingSweeper{}
	svc := New(st, sweeper, Config{RetentionDays: 30, MaxSessions: 2, MaxMessagesPerSession: 3})
	report, err := svc.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if report.ExpiredSessions != 1 || report.CappedSessions != 1 || report.TrimmedMessages != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if sweeper.calls != 1 || report.SweptBlobs != 2 {
		t.Errorf("blob sweep not run: calls=%d swept=%d", sweeper.calls, report.SweptBlobs)
	}

	ctx := context.Background()
	for id, want := range map[string]bool{"expired": false, "older": false, "recent": true, "newest": true} {
		_, err := st.GetSession(ctx, id)
		if got := err == nil; got != want {
			t.Errorf("session %s kept=%v, want %v (%v)", id, got, want, err)
		}
	}

	msgs, err := st.ListMessages(ctx, "newest")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Seq != 3 || msgs[2].Seq != 5 {
		t.Errorf("expected newest 3 messages kept, got %d starting at %d", len(msgs), msgs[0].Seq)
	}
	if n, _ := st.CountMessages(ctx, "expired"); n != 0 {
		t.Errorf("messages of expired session survived: %d", n)
	}
}

func TestRetentionMinimumOneDay(t *testing.T) {
	st := setupStore(t)
	now := time.Now().UTC()
	addSession(t, st, "today", now.Add(-12*time.Hour), 0)
	addSession(t, st, "stale", now.Add(-48*time.Hour), 0)

	report, err := New(st, nil, Config{RetentionDays: 0}).Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if report.ExpiredSessions != 1 {
		t.Errorf("expected only the stale session removed, got %+v", report)
	}
	if _, err := st.GetSession(context.Background(), "today"); err != nil {
		t.Errorf("session inside the minimum retention was removed: %v", err)
	}
}

func TestZeroCapsDisabled(t *testing.T) {
	st := setupStore(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		addSession(t, st, fmt.Sprintf("s%d", i), now.Add(-time.Duration(i)*time.Minute), 4)
	}

	report, err := New(st, nil, Config{RetentionDays: 30}).Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if report.CappedSessions != 0 || report.TrimmedMessages != 0 {
		t.Errorf("disabled caps removed data: %+v", report)
	}
}

func TestSweepFailureDoesNotFailPrune(t *testing.T) {
	st := setupStore(t)
	sweeper := &countingSweeper{err: errors.New("disk gone")}
	if _, err := New(st, sweeper, Config{}).Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 3 * * *", "@hourly", "@every 10m"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "bogus", "* * *"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) accepted", expr)
		}
	}
}

func TestScheduleStops(t *testing.T) {
	st := setupStore(t)
	svc := New(st, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := svc.Schedule(ctx, "@every 1h")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	stop()
	cancel()
	stop()

	if _, err := svc.Schedule(context.Background(), "not a schedule"); err == nil {
		t.Error("expected invalid expression error")
	}
}
