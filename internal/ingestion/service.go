// Package ingestion drives one webhook event from classification to a row
// in the tenant's database.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/audit"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/classifier"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/connections"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/metrics"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/schema"
	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/writer"
)

// Status is the terminal state of one ingestion.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Resolver looks up a tenant's connection descriptor.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, connectionID uint) (*models.TenantConnection, error)
}

// TableProvisioner creates or extends the destination table.
type TableProvisioner interface {
	EnsureTable(ctx context.Context, q schema.Querier, target schema.Target, sample classifier.Fields) error
}

// RecordWriter persists a batch of records.
type RecordWriter interface {
	Write(ctx context.Context, q schema.Querier, target schema.Target, records []classifier.Fields) (*writer.Outcome, error)
	Mode() writer.Mode
}

// Request is one event addressed to one tenant connection. EventType
// overrides Event.Type when set.
type Request struct {
	TenantID     string
	ConnectionID uint
	EventType    string
	Event        *classifier.RawEvent
	Raw          json.RawMessage
}

func (r Request) eventType() string {
	if r.EventType != "" {
		return r.EventType
	}
	if r.Event != nil {
		return r.Event.Type
	}
	return ""
}

func (r Request) signature() string {
	if r.Event != nil {
		return r.Event.Signature
	}
	return ""
}

// Outcome reports what happened to one event.
type Outcome struct {
	Status        Status           `json:"status"`
	Signature     string           `json:"signature,omitempty"`
	Kind          classifier.Kind  `json:"kind,omitempty"`
	Table         string           `json:"table,omitempty"`
	InsertedCount int              `json:"insertedCount,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Code          string           `json:"code,omitempty"`
	Err           error            `json:"-"`
}

// ConnectionResolutionError means the tenant database could not be reached:
// the descriptor is missing or the dial failed.
type ConnectionResolutionError struct {
	TenantID     string
	ConnectionID uint
	Err          error
}

func (e *ConnectionResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve connection %d for tenant %s: %v", e.ConnectionID, e.TenantID, e.Err)
}

func (e *ConnectionResolutionError) Unwrap() error { return e.Err }

// TimeoutError marks a step that ran past its deadline. It matches both the
// step's own error and context.DeadlineExceeded.
type TimeoutError struct {
	Step string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Step, e.Err)
}

func (e *TimeoutError) Unwrap() []error { return []error{e.Err, context.DeadlineExceeded} }

// bounded tags err as a timeout when ctx hit its deadline.
func bounded(ctx context.Context, step string, err error) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	return &TimeoutError{Step: step, Err: err}
}

// Service wires the classifier, provisioner and write engine together.
type Service struct {
	resolver    Resolver
	dialer      connections.Dialer
	provisioner TableProvisioner
	writer      RecordWriter
	audit       audit.Sink
	metrics     *metrics.Metrics
	timeout     time.Duration
	logger      *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithAudit sets the sink that receives every raw event.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService returns a Service. timeout bounds each database step.
func NewService(resolver Resolver, dialer connections.Dialer, provisioner TableProvisioner, w RecordWriter, timeout time.Duration, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		resolver:    resolver,
		dialer:      dialer,
		provisioner: provisioner,
		writer:      w,
		audit:       audit.Nop{},
		timeout:     timeout,
		logger:      logger.Named("ingestion"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes a single event. It never returns an error; failures are
// reported in the outcome.
func (s *Service) Ingest(ctx context.Context, req Request) Outcome {
	eventType := req.eventType()
	log := s.logger.With(
		zap.String("tenant_id", req.TenantID),
		zap.Uint("connection_id", req.ConnectionID),
		zap.String("event_type", eventType),
		zap.String("signature", req.signature()),
	)
	log.Debug("event received")
	s.recordAudit(ctx, req, eventType, log)
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(eventType).Inc()
	}

	out := s.ingest(ctx, req, eventType, log)
	out.Signature = req.signature()
	if s.metrics != nil {
		s.metrics.Outcomes.WithLabelValues(string(out.Status)).Inc()
	}
	switch out.Status {
	case StatusFailed:
		log.Warn("ingestion failed", zap.String("reason", out.Reason))
	case StatusSkipped:
		log.Debug("event skipped", zap.String("reason", out.Reason))
	default:
		log.Info("event applied", zap.String("table", out.Table), zap.Int("inserted", out.InsertedCount))
	}
	return out
}

func (s *Service) ingest(ctx context.Context, req Request, eventType string, log *zap.Logger) Outcome {
	rec, err := classifier.Classify(eventType, req.Event)
	if errors.Is(err, classifier.ErrUnsupported) {
		return Outcome{Status: StatusSkipped, Reason: fmt.Sprintf("unsupported event type %q", eventType)}
	}
	if err != nil {
		return failed(err)
	}
	out := Outcome{Kind: rec.Kind(), Table: rec.Table().Name()}
	log.Debug("event classified", zap.String("kind", string(rec.Kind())), zap.String("table", out.Table))

	tc, err := s.resolve(ctx, req)
	if err != nil {
		return out.fail(err)
	}

	session, err := s.open(ctx, req, tc)
	if err != nil {
		return out.fail(err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("failed to release tenant connection", zap.Error(cerr))
		}
	}()

	target := schema.Target{Schema: session.Schema, Table: rec.Table()}
	fields := rec.Fields()

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = bounded(pctx, "provision", s.provisioner.EnsureTable(pctx, session.Conn, target, fields))
	cancel()
	if err != nil {
		return out.fail(err)
	}
	log.Debug("schema ensured", zap.Stringer("target", target))

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	written, err := s.writer.Write(wctx, session.Conn, target, []classifier.Fields{fields})
	if err = bounded(wctx, "write", err); err != nil {
		return out.fail(err)
	}
	if s.metrics != nil {
		s.metrics.ObserveWrite(string(s.writer.Mode()), out.Table, written.InsertedCount, time.Since(start))
	}
	log.Debug("record written", zap.Int("inserted", written.InsertedCount))

	out.Status = StatusApplied
	out.InsertedCount = written.InsertedCount
	out.Rows = written.Rows
	return out
}

func (s *Service) resolve(ctx context.Context, req Request) (*models.TenantConnection, error) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tc, err := s.resolver.Resolve(rctx, req.TenantID, req.ConnectionID)
	if err != nil {
		return nil, bounded(rctx, "resolve", &ConnectionResolutionError{TenantID: req.TenantID, ConnectionID: req.ConnectionID, Err: err})
	}
	return tc, nil
}

func (s *Service) open(ctx context.Context, req Request, tc *models.TenantConnection) (*connections.Session, error) {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session, err := s.dialer.Open(dctx, tc)
	if err != nil {
		return nil, bounded(dctx, "connect", &ConnectionResolutionError{TenantID: req.TenantID, ConnectionID: req.ConnectionID, Err: err})
	}
	return session, nil
}

func (s *Service) recordAudit(ctx context.Context, req Request, eventType string, log *zap.Logger) {
	payload := req.Raw
	if payload == nil && req.Event != nil {
		var err error
		if payload, err = json.Marshal(req.Event); err != nil {
			log.Warn("failed to encode event for audit", zap.Error(err))
			return
		}
	}
	entry := audit.Entry{
		ReceivedAt:   time.Now().UTC(),
		TenantID:     req.TenantID,
		ConnectionID: req.ConnectionID,
		EventType:    eventType,
		Signature:    req.signature(),
		Payload:      payload,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		log.Warn("failed to record audit entry", zap.Error(err))
		if s.metrics != nil {
			s.metrics.AuditErrors.Inc()
		}
	}
}

func (o Outcome) fail(err error) Outcome {
	o.Status = StatusFailed
	o.Reason = err.Error()
	o.Code = ErrorCode(err)
	o.Err = err
	return o
}

// ErrorCode classifies an ingestion failure for API callers. A timeout wins
// over the step that timed out.
func ErrorCode(err error) string {
	var (
		malformed *classifier.MalformedEventError
		resErr    *ConnectionResolutionError
		provErr   *schema.ProvisionError
		writeErr  *writer.WriteError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorCodeRequestTimeout
	case errors.As(err, &malformed):
		return models.ErrorCodeMalformedEvent
	case errors.As(err, &resErr):
		if errors.Is(err, connections.ErrConnectionNotFound) {
			return models.ErrorCodeConnectionNotFound
		}
		return models.ErrorCodeConnectionFailed
	case errors.As(err, &provErr):
		return models.ErrorCodeProvisionFailed
	case errors.As(err, &writeErr):
		return models.ErrorCodeWriteFailed
	}
	return models.ErrorCodeIngestFailed
}

func failed(err error) Outcome {
	return Outcome{}.fail(err)
}
