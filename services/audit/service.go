package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Client is the request context an event was observed in
type Client struct {
	IP        string
	UserAgent string
	DeviceID  string
	RequestID string
}

// Event is one security-relevant occurrence
type Event struct {
	Type        models.AuditAction
	TenantID    uuid.UUID
	PrincipalID *uuid.UUID
	SessionID   string
	Client      Client
	Details     map[string]interface{}
	Timestamp   time.Time
	Critical    bool
}

// Sink receives audit events. Append must not drop events silently.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Config holds configuration for the Service
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  10000,
		WorkerCount: 5,
	}
}

// Service is the buffered Sink backed by the audit repository.
// Events that do not fit the buffer are written on the caller's goroutine.
type Service struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	eventChan   chan *models.AuditLog
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	degraded atomic.Bool
}

// NewService creates a new audit Service. metrics may be nil.
func NewService(auditRepo repositories.AuditRepository, logger *zap.Logger, metrics *observability.Metrics, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	return &Service{
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
		eventChan:   make(chan *models.AuditLog, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop drains the buffer and waits for the workers up to timeout.
// Events appended afterwards are written synchronously.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Append queues event for the workers, or writes it directly when the
// buffer is full or the workers are not running.
func (s *Service) Append(ctx context.Context, event Event) error {
	log := toAuditLog(event)

	s.mu.RLock()
	if s.started && !s.stopped {
		select {
		case s.eventChan <- log:
			depth := len(s.eventChan)
			s.mu.RUnlock()
			s.metrics.SetAuditQueueDepth(depth)
			return nil
		default:
		}
	}
	s.mu.RUnlock()

	s.logger.Warn("audit buffer unavailable, writing synchronously",
		zap.String("action", string(log.Action)),
		zap.String("tenant_id", log.TenantID.String()))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return s.write(writeCtx, log)
}

// Degraded reports whether the last critical write failed
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for log := range s.eventChan {
		s.metrics.SetAuditQueueDepth(len(s.eventChan))
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.write(ctx, log); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(log.Action)),
				zap.String("tenant_id", log.TenantID.String()))
		}
		cancel()
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) write(ctx context.Context, log *models.AuditLog) error {
	err := s.auditRepo.Insert(ctx, log)
	if err != nil {
		s.metrics.AuditWriteFailed()
		if log.Critical {
			if !s.degraded.Swap(true) {
				s.metrics.SetAuditDegraded(true)
			}
			s.logger.Error("critical audit event not persisted, audit degraded",
				zap.Error(err),
				zap.String("action", string(log.Action)),
				zap.String("tenant_id", log.TenantID.String()))
		}
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	if log.Critical && s.degraded.Swap(false) {
		s.metrics.SetAuditDegraded(false)
		s.logger.Info("audit recovered from degraded mode")
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Degraded:      s.degraded.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
	Degraded      bool
}

// Critical returns the tenant's critical events since the given time, newest first
func (s *Service) Critical(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.GetCritical(ctx, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list critical audit events: %w", err)
	}
	return logs, nil
}

// ForTenant pages through the tenant's events, newest first
func (s *Service) ForTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	logs, err := s.auditRepo.GetByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return logs, nil
}

func toAuditLog(e Event) *models.AuditLog {
	log := models.NewAuditLog(e.TenantID, e.Type).
		WithSession(e.SessionID).
		WithRequest(e.Client.RequestID, e.Client.IP, e.Client.UserAgent).
		WithDevice(e.Client.DeviceID).
		At(e.Timestamp)
	if e.PrincipalID != nil {
		log.WithPrincipal(*e.PrincipalID)
	}
	if len(e.Details) > 0 {
		log.WithDetails(e.Details)
	}
	if e.Critical {
		log.AsCritical()
	}
	return log
}

// Recorder is an in-memory Sink that keeps every event. It is meant for
// tests and for wiring services without a database.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Append stores event, or returns r.Err when set
func (r *Recorder) Append(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t models.AuditAction) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
