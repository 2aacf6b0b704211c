// Package pruning enforces retention limits on the memory store.
package pruning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/store"
)

// Config holds retention limits. Zero caps are disabled.
type Config struct {
	RetentionDays         int // Sessions idle longer than this are deleted, minimum 1
	MaxSessions           int // Most recently updated sessions kept
	MaxMessagesPerSession int // Newest messages kept per session
}

// BlobSweeper removes backup blobs no checkpoint references.
// Implemented by checkpoint.Manager.
type BlobSweeper interface {
	SweepBlobs(ctx context.Context) (int, error)
}

// Report describes one pruning pass.
type Report struct {
	ExpiredSessions int64
	TrimmedMessages int64
	CappedSessions  int64
	SweptBlobs      int
	Elapsed         time.Duration
}

// Service prunes the store on demand and on a schedule.
type Service struct {
	store  *store.Store
	blobs  BlobSweeper
	config Config

	runMu sync.Mutex
	now   func() time.Time
}

// New creates a pruning service. blobs may be nil.
func New(st *store.Store, blobs BlobSweeper, cfg Config) *Service {
	if cfg.RetentionDays < 1 {
		cfg.RetentionDays = 1
	}
	return &Service{
		store:  st,
		blobs:  blobs,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Prune applies every limit in one transaction, then sweeps orphaned blobs.
func (s *Service) Prune(ctx context.Context) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	report := &Report{}
	cutoff := s.now().Add(-time.Duration(s.config.RetentionDays) * 24 * time.Hour)

	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if report.ExpiredSessions, err = tx.DeleteSessionsUpdatedBefore(ctx, cutoff); err != nil {
			return err
		}
		if s.config.MaxMessagesPerSession > 0 {
			if report.TrimmedMessages, err = tx.TrimMessagesPerSession(ctx, s.config.MaxMessagesPerSession); err != nil {
				return err
			}
		}
		if s.config.MaxSessions > 0 {
			if report.CappedSessions, err = tx.CapSessions(ctx, s.config.MaxSessions); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("prune memory: %w", err)
	}

	if s.blobs != nil {
		swept, err := s.blobs.SweepBlobs(ctx)
		if err != nil {
			L_warn("pruning: blob sweep failed", "error", err)
		}
		report.SweptBlobs = swept
	}

	report.Elapsed = time.Since(start)
	L_info("pruning: completed",
		"expiredSessions", report.ExpiredSessions,
		"trimmedMessages", report.TrimmedMessages,
		"cappedSessions", report.CappedSessions,
		"sweptBlobs", report.SweptBlobs,
		"retentionDays", s.config.RetentionDays,
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// ParseSchedule validates a standard five-field cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// Schedule re-runs Prune on the cron expression until ctx is done or the
// returned stop function is called.
func (s *Service) Schedule(ctx context.Context, expr string) (stop func(), err error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	c := cronlib.New()
	c.Schedule(schedule, cronlib.FuncJob(func() {
		if _, err := s.Prune(ctx); err != nil {
			L_error("pruning: scheduled run failed", "error", err)
		}
	}))
	c.Start()
	L_info("pruning: scheduled", "expr", expr, "next", schedule.Next(time.Now()).Format(time.RFC3339))

	var once sync.Once
	stop = func() {
		once.Do(func() {
			<-c.Stop().Done()
			L_debug("pruning: schedule stopped")
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}
