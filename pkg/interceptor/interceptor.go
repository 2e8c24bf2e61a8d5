// Package interceptor turns completion requests into user and search records.
//
// Logging is fire-and-forget: Dispatch starts a detached goroutine and returns
// at once. The goroutine upserts the user while the request is being forwarded,
// then waits for the request's outcome and appends the search record. Storage
// problems are counted and logged, never returned to the request path.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/ngoyal88/searchlog/pkg/ai"
	"github.com/ngoyal88/searchlog/pkg/identity"
	"github.com/ngoyal88/searchlog/pkg/logging"
	"github.com/ngoyal88/searchlog/pkg/storage"
)

const (
	defaultWriteTimeout = 3 * time.Second
	defaultRetryBackoff = 100 * time.Millisecond

	// After the request context ends, how long to wait for the handler to
	// report its outcome before recording a failure.
	outcomeGrace = time.Second
)

// Options configures an Interceptor. Zero values pick the defaults.
type Options struct {
	Resolver     identity.Resolver
	WriteTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Pricing is the per-1k-token input price by model.
	Pricing map[string]float64
	// CountTokens is optional; when nil records carry no token count.
	CountTokens func(model, text string) (int, error)

	// BreakerThreshold is the number of consecutive storage failures that
	// open the breaker; BreakerCooldown is how long it stays open.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// Outcome is how the upstream exchange ended, reported by the gateway.
type Outcome struct {
	Status         storage.Status
	UpstreamStatus int
	Err            error
}

// Stats are the interceptor's in-process counters.
type Stats struct {
	Written  int64 // search records stored
	Failed   int64 // log tasks that gave up
	Skipped  int64 // requests without a user message
	InFlight int64
}

// Interceptor dispatches logging for completion requests.
type Interceptor struct {
	store   storage.Writer
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *log.Entry

	wg       sync.WaitGroup
	written  atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	inFlight atomic.Int64
}

// New creates an Interceptor writing to store. A nil store disables logging.
func New(store storage.Writer, opts Options) *Interceptor {
	if opts.Resolver == nil {
		opts.Resolver = identity.Auto
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	logger := logging.Component("interceptor")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "storage",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.BreakerThreshold
		},
		// A rejected key says nothing about the database's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrInvalidKey)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("[LOG] storage breaker changed state")
			breakerState.Set(float64(to))
		},
	})

	return &Interceptor{
		store:   store,
		opts:    opts,
		breaker: breaker,
		logger:  logger,
	}
}

// Pending is the hand-off between a request and its log task.
type Pending struct {
	once    sync.Once
	outcome chan Outcome
}

// Complete reports the request's outcome. Only the first call counts; it
// never blocks.
func (p *Pending) Complete(o Outcome) {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.outcome <- o
	})
}

// Dispatch starts logging req and returns immediately. ctx is the request's
// context; it bounds how long the task waits for an outcome but does not
// cancel the storage writes.
func (i *Interceptor) Dispatch(ctx context.Context, req *Request) *Pending {
	p := &Pending{outcome: make(chan Outcome, 1)}

	if i.store == nil {
		return p
	}
	if !req.HasUserMessage() {
		i.skipped.Add(1)
		logSkipped.WithLabelValues("no-user-message").Inc()
		i.logger.WithFields(log.Fields{"request_id": req.RequestID, "model": req.Model}).
			Debug("[LOG] no user message, skipping search record")
		return p
	}

	key := i.opts.Resolver(req.IdentitySource())
	detached := context.WithoutCancel(ctx)

	i.wg.Add(1)
	i.inFlight.Add(1)
	logInFlight.Inc()
	go func() {
		defer func() {
			i.inFlight.Add(-1)
			logInFlight.Dec()
			i.wg.Done()
		}()

		entry := i.logger.WithFields(log.Fields{"request_id": req.RequestID, "user_key": key})

		// Runs concurrently with forwarding.
		_, upsertErr := i.upsert(detached, storage.UserUpsert{
			Key:    key,
			Name:   req.Name,
			Email:  req.Email,
			SeenAt: req.ReceivedAt,
		})

		outcome := waitOutcome(ctx, p)

		if upsertErr != nil {
			i.fail(entry, "upsert_user", upsertErr)
			return
		}

		rec := i.searchRecord(key, req, outcome)
		if _, err := i.insert(detached, rec); err != nil {
			i.fail(entry, "insert_search", err)
			return
		}
		i.written.Add(1)
		entry.WithFields(log.Fields{"search_id": rec.ID, "status": rec.Status}).Debug("[LOG] search recorded")
	}()

	return p
}

// waitOutcome blocks until the handler reports, or the request is over and
// the handler did not report within outcomeGrace.
func waitOutcome(ctx context.Context, p *Pending) Outcome {
	select {
	case o := <-p.outcome:
		return o
	case <-ctx.Done():
	}
	select {
	case o := <-p.outcome:
		return o
	case <-time.After(outcomeGrace):
		return Outcome{Status: storage.StatusFailure, Err: ctx.Err()}
	}
}

// Event is an explicitly submitted search, as sent to POST /log-search.
type Event struct {
	// Header carries the submitter's credentials for credential-based rules.
	Header         http.Header
	UserID         string
	Email          string
	Name           string
	Query          string
	Model          string
	ConversationID string
	Timestamp      time.Time
}

// Record writes ev synchronously and returns the user and search ids.
// Unlike Dispatch, errors are returned to the caller.
func (i *Interceptor) Record(ctx context.Context, ev Event) (*storage.UserRecord, string, error) {
	if i.store == nil {
		return nil, "", fmt.Errorf("logging is disabled")
	}
	if ev.Query == "" {
		return nil, "", fmt.Errorf("%w: query is required", ErrMalformedRequest)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	key := i.opts.Resolver(identity.Source{Header: ev.Header, UserID: ev.UserID, Email: ev.Email})
	user, err := i.upsert(ctx, storage.UserUpsert{Key: key, Name: ev.Name, Email: ev.Email, SeenAt: ev.Timestamp})
	if err != nil {
		return nil, "", err
	}

	req := &Request{Model: ev.Model, UserMessage: ev.Query, ConversationID: ev.ConversationID, ReceivedAt: ev.Timestamp}
	id, err := i.insert(ctx, i.searchRecord(key, req, Outcome{Status: storage.StatusSuccess}))
	if err != nil {
		return nil, "", err
	}
	i.written.Add(1)
	return user, id, nil
}

// Wait blocks until all dispatched log tasks have finished or ctx is done.
func (i *Interceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Interceptor) Stats() Stats {
	return Stats{
		Written:  i.written.Load(),
		Failed:   i.failed.Load(),
		Skipped:  i.skipped.Load(),
		InFlight: i.inFlight.Load(),
	}
}

func (i *Interceptor) searchRecord(key string, req *Request, o Outcome) *storage.SearchRecord {
	rec := &storage.SearchRecord{
		UserKey:        key,
		Message:        req.UserMessage,
		Model:          req.Model,
		Timestamp:      req.ReceivedAt,
		Status:         o.Status,
		Stream:         req.Stream,
		MessagesCount:  req.MessagesCount,
		ConversationID: req.ConversationID,
		UpstreamStatus: o.UpstreamStatus,
		RequestID:      req.RequestID,
	}
	if rec.Status == "" {
		rec.Status = storage.StatusFailure
	}

	if i.opts.CountTokens != nil {
		if n, err := i.opts.CountTokens(req.Model, req.UserMessage); err == nil {
			rec.PromptTokens = n
			rec.EstimatedCostUSD = ai.EstimateCost(n, req.Model, i.opts.Pricing)
			requestTokenHistogram.Observe(float64(n))
		} else {
			i.logger.WithError(err).Debug("[LOG] token count unavailable")
		}
	}
	return rec
}

// upsert retries only failures that wrote nothing. A timed-out attempt may
// still have committed, and a second increment would overcount.
func (i *Interceptor) upsert(ctx context.Context, u storage.UserUpsert) (*storage.UserRecord, error) {
	var user *storage.UserRecord
	err := i.withRetry(ctx, "upsert_user", storage.NotWritten, func(ctx context.Context) error {
		var err error
		user, err = i.store.UpsertUser(ctx, u)
		return err
	})
	return user, err
}

// insert may retry any transient failure: rec.ID is fixed before the first
// attempt and backends ignore an id they already hold.
func (i *Interceptor) insert(ctx context.Context, rec *storage.SearchRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = storage.NewSearchID()
	}
	var id string
	err := i.withRetry(ctx, "insert_search", retryable, func(ctx context.Context) error {
		var err error
		id, err = i.store.InsertSearch(ctx, rec)
		return err
	})
	return id, err
}

// withRetry runs op through the breaker with a fresh timeout per attempt.
func (i *Interceptor) withRetry(ctx context.Context, name string, canRetry func(error) bool, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= i.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * i.opts.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err = i.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, i.opts.WriteTimeout)
			defer cancel()
			return nil, op(attemptCtx)
		})
		if err == nil {
			logWrites.WithLabelValues(name, "ok").Inc()
			return nil
		}
		logWrites.WithLabelValues(name, "error").Inc()

		if isBreakerRejection(err) || !canRetry(err) {
			break
		}
	}
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, storage.ErrInvalidKey)
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (i *Interceptor) fail(entry *log.Entry, op string, err error) {
	i.failed.Add(1)
	logFailures.WithLabelValues(op).Inc()
	entry.WithError(err).WithField("op", op).Warn("[LOG] failed to persist search")
}
