package contentstore

import (
	"context"
	"time"

	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/monitoring"
	"github.com/medrex/healthchain/pkg/types"
)

// Instrumented wraps a Store with logging, metrics and tracing.
type Instrumented struct {
	next    Store
	backend string
	log     *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
}

// Instrument decorates store. metrics may be nil.
func Instrument(store Store, backend string, log *logger.Logger, metrics *monitoring.MetricsCollector, tracing *monitoring.TracingManager) *Instrumented {
	if tracing == nil {
		tracing = monitoring.NewNoopTracingManager()
	}
	return &Instrumented{next: store, backend: backend, log: log, metrics: metrics, tracing: tracing}
}

func (s *Instrumented) Put(ctx context.Context, data []byte) (string, error) {
	ctx, span := s.tracing.StartContentSpan(ctx, s.backend, "put")
	defer span.End()

	start := time.Now()
	id, err := s.next.Put(ctx, data)
	s.observe(ctx, "put", id, len(data), start, err)
	monitoring.RecordError(span, err)
	return id, err
}

func (s *Instrumented) Get(ctx context.Context, id string) ([]byte, error) {
	ctx, span := s.tracing.StartContentSpan(ctx, s.backend, "get")
	defer span.End()

	start := time.Now()
	data, err := s.next.Get(ctx, id)
	s.observe(ctx, "get", id, len(data), start, err)
	monitoring.RecordError(span, err)
	return data, err
}

func (s *Instrumented) observe(ctx context.Context, op, id string, size int, start time.Time, err error) {
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = string(types.TypeOf(err))
	}
	s.metrics.RecordContentOperation(s.backend, op, status, elapsed)
	s.log.ContentOperation(ctx, op, id, size, elapsed.Milliseconds(), err)
}
