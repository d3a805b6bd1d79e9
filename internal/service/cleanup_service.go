package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-session/pkg/jobs"
)

const jobTypeCleanup = "session_cleanup"

type expiredRefreshDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanupService periodically purges expired revocation entries and refresh
// records. It is best effort; stale expired rows never affect correctness.
type CleanupService struct {
	registry RevocationRegistry
	refresh  expiredRefreshDeleter
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration
	queue    *jobs.Queue
}

// NewCleanupService constructs the service.
func NewCleanupService(registry RevocationRegistry, refresh expiredRefreshDeleter, metrics *MetricsService, logger *zap.Logger, interval time.Duration) *CleanupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	s := &CleanupService{registry: registry, refresh: refresh, metrics: metrics, logger: logger, now: time.Now, interval: interval}
	s.queue = jobs.NewQueue("cleanup", s.handle, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 1,
		MaxRetries: 2,
		RetryDelay: time.Minute,
		Logger:     logger,
	})
	return s
}

// Start runs the cleanup loop until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	s.queue.Every(ctx, s.interval, func() jobs.Job {
		return jobs.Job{ID: fmt.Sprintf("cleanup-%d", s.now().Unix()), Type: jobTypeCleanup}
	})
	s.queue.Stop()
}

// RunOnce purges everything that expired before now.
func (s *CleanupService) RunOnce(ctx context.Context) (int64, error) {
	now := utcNow(s.now)

	purged, err := s.registry.Purge(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purge revocation registry: %w", err)
	}
	deleted, err := s.refresh.DeleteExpired(ctx, now)
	if err != nil {
		return purged, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	total := purged + deleted
	s.metrics.Purged(total)
	s.logger.Info("session cleanup finished", zap.Int64("revocations", purged), zap.Int64("refresh_tokens", deleted))
	return total, nil
}

func (s *CleanupService) handle(ctx context.Context, job jobs.Job) error {
	_, err := s.RunOnce(ctx)
	return err
}
