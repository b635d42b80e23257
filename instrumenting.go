package taskbus

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
)

// instrumentingRepository counts and times repository calls.
type instrumentingRepository struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	next        Repository
}

// NewInstrumentingRepository wraps next with request metrics.
func NewInstrumentingRepository(reqCount metrics.Counter, reqDuration metrics.Histogram, next Repository) Repository {
	return &instrumentingRepository{reqCount: reqCount, reqDuration: reqDuration, next: next}
}

// instrument wraps next with the repository collectors of m.
func (m *Metrics) instrument(next Repository) Repository {
	return NewInstrumentingRepository(
		kitprometheus.NewCounter(m.RepoRequests),
		kitprometheus.NewSummary(m.RepoDuration),
		next,
	)
}

func (s *instrumentingRepository) observe(method string, start time.Time, err error) {
	labels := []string{"method", method, "error", strconv.FormatBool(err != nil)}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(start).Seconds())
}

func (s *instrumentingRepository) Insert(ctx context.Context, t *Task) (err error) {
	defer func(start time.Time) { s.observe("Insert", start, err) }(time.Now())
	return s.next.Insert(ctx, t)
}

func (s *instrumentingRepository) Update(ctx context.Context, t *Task) (err error) {
	defer func(start time.Time) { s.observe("Update", start, err) }(time.Now())
	return s.next.Update(ctx, t)
}

func (s *instrumentingRepository) Get(ctx context.Context, id string) (t *Task, err error) {
	defer func(start time.Time) { s.observe("Get", start, err) }(time.Now())
	return s.next.Get(ctx, id)
}

func (s *instrumentingRepository) List(ctx context.Context) (ts []*Task, err error) {
	defer func(start time.Time) { s.observe("List", start, err) }(time.Now())
	return s.next.List(ctx)
}

func (s *instrumentingRepository) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { s.observe("Delete", start, err) }(time.Now())
	return s.next.Delete(ctx, id)
}
