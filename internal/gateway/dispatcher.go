// Package gateway runs one metered request end to end:
// authenticate, take a quota slot, reserve credits, call upstream, then
// commit or refund and write the usage entry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"aigateway/internal/db"
	"aigateway/internal/keystore"
	"aigateway/internal/ledger"
	"aigateway/internal/metrics"
	"aigateway/internal/quota"
	"aigateway/internal/upstream"
	"aigateway/internal/usagelog"
)

// Upstream prepares and performs calls to the external services.
type Upstream interface {
	Prepare(endpoint string, params map[string]string) (upstream.Request, error)
	Call(ctx context.Context, req upstream.Request) (upstream.Result, error)
}

// Dispatcher orchestrates metering around upstream calls. It holds no lock
// of its own; per-key exclusion lives in the keystore and is never held
// across the upstream call.
type Dispatcher struct {
	keys     keystore.Store
	ledger   *ledger.Ledger
	quota    *quota.Tracker
	usage    usagelog.Log
	upstream Upstream
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records request outcomes and credit movements.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock sets the time source for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(keys keystore.Store, l *ledger.Ledger, q *quota.Tracker, usage usagelog.Log, up Upstream, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		keys:     keys,
		ledger:   l,
		quota:    q,
		usage:    usage,
		upstream: up,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// attempt carries the bookkeeping for one request.
type attempt struct {
	id       string
	token    string
	endpoint string
	params   map[string]string
	start    time.Time
}

// Dispatch serves one request against endpoint. Authentication failures
// and bad parameters return before anything is metered. Every later
// outcome increments the key's request total and writes one usage entry.
func (d *Dispatcher) Dispatch(ctx context.Context, token, endpoint string, params map[string]string) (upstream.Result, error) {
	if _, err := d.ledger.Authenticate(ctx, token); err != nil {
		return upstream.Result{}, err
	}

	req, err := d.upstream.Prepare(endpoint, params)
	if err != nil {
		return upstream.Result{}, err
	}

	a := attempt{
		id:       uuid.New().String(),
		token:    token,
		endpoint: endpoint,
		params:   req.Params,
		start:    d.now(),
	}

	grant, err := d.quota.TryConsume(ctx, token)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			d.record(ctx, a, db.OutcomeQuotaExceeded, 0, err)
			return upstream.Result{}, err
		}
		if errors.Is(err, quota.ErrInvalidKey) {
			return upstream.Result{}, ledger.ErrInvalidKey
		}
		return upstream.Result{}, err
	}

	spend, err := d.ledger.TrySpend(ctx, token, req.Cost)
	if err != nil {
		// The request never ran, so it should not use up the day's quota.
		if relErr := d.quota.Release(context.WithoutCancel(ctx), grant); relErr != nil {
			log.Warn().Err(relErr).Str("request_id", a.id).Msg("release quota slot")
		}
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			d.record(ctx, a, db.OutcomeInsufficientCredits, 0, err)
		}
		return upstream.Result{}, err
	}

	callStart := time.Now()
	res, err := d.upstream.Call(ctx, req)
	d.metrics.UpstreamDuration(endpoint, time.Since(callStart))

	if err != nil {
		if !errors.Is(err, upstream.ErrUpstream) {
			err = &upstream.Error{Endpoint: endpoint, Err: err}
		}
		// Cancellation of the caller must not leave a debited spend behind.
		if refErr := d.ledger.Refund(context.WithoutCancel(ctx), spend); refErr != nil {
			log.Error().Err(refErr).Str("request_id", a.id).Str("spend_id", spend.ID).Msg("refund failed")
		} else {
			d.metrics.Refunded(endpoint, spend.Cost)
		}
		log.Warn().Err(err).Str("request_id", a.id).Str("endpoint", endpoint).Msg("upstream call failed")
		d.record(ctx, a, db.OutcomeUpstreamError, 0, err)
		return upstream.Result{}, err
	}

	d.metrics.Spent(endpoint, spend.Cost)
	d.record(ctx, a, db.OutcomeOK, spend.Cost, nil)
	return res, nil
}

// record bumps the key's counters and appends the usage entry, both inside
// the record's exclusive section so a concurrent DeleteKey sees either
// both or neither. A key deleted or being deleted mid-request has no owner
// to log against, so nothing is written. A failed append leaves the
// counters untouched.
func (d *Dispatcher) record(ctx context.Context, a attempt, outcome string, credits int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	d.metrics.Request(a.endpoint, outcome)

	entry := db.UsageEntry{
		RequestID:   a.id,
		APIKey:      a.token,
		Endpoint:    "/" + a.endpoint,
		Params:      toJSONMap(a.params),
		DurationMs:  now.Sub(a.start).Milliseconds(),
		CreditsUsed: credits,
		Outcome:     outcome,
		CreatedAt:   now,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	_, err := d.keys.Update(ctx, a.token, func(rec *db.APIKey) error {
		if rec.Deleting {
			return keystore.ErrDeleting
		}
		if err := d.usage.Append(ctx, entry); err != nil {
			return fmt.Errorf("append usage entry: %w", err)
		}
		rec.TotalRequests++
		rec.LastUsedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, keystore.ErrNotFound) && !errors.Is(err, keystore.ErrDeleting) {
		log.Error().Err(err).Str("request_id", a.id).Msg("record request")
	}
}

func toJSONMap(params map[string]string) datatypes.JSONMap {
	m := make(datatypes.JSONMap, len(params))
	for k, v := range params {
		m[k] = v
	}
	return m
}
