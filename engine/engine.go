// Package engine owns the lifecycle of one generation attempt: validation,
// optimistic placeholders, submission, polling, and reconciling results into
// the history store. At most one run per Engine is ever in flight.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/lumabase/genengine/gen"
	"github.com/lumabase/genengine/genapi"
	"github.com/lumabase/genengine/history"
	"github.com/lumabase/genengine/pkg/logger"
	"github.com/lumabase/genengine/poller"
	"github.com/lumabase/genengine/pricing"
)

// localIDPrefix marks records created on this client before the server has
// seen them. Lifecycle decisions key off Status, never off id shape; the
// prefix only keeps local ids from ever colliding with server ids.
const localIDPrefix = "local-"

// Account is the caller-owned view of the user's star balance. The engine
// never holds ambient balance state; the UI shell injects this.
type Account interface {
	Credits() int64
	Refresh(ctx context.Context) error
}

// Params is the UI-side input to one Generate call.
type Params struct {
	Prompt          string
	NegativePrompt  string
	ModelID         string
	Mode            gen.Mode
	Settings        gen.Settings
	ReferenceAssets []string
	Variants        int
	ThreadID        string
}

// Config tunes the run. Zero values pick defaults.
type Config struct {
	Poller poller.Config

	// RefreshTimeout bounds the deferred balance refresh after a successful
	// run.
	RefreshTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	return c
}

// Engine orchestrates generation runs for one logical control (one prompt
// bar). Two widgets need two engines; they share nothing but the store.
type Engine struct {
	api     genapi.Client
	store   *history.Store
	poll    *poller.Poller
	account Account
	log     *logger.Logger
	cfg     Config

	inFlight atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(api genapi.Client, store *history.Store, account Account, log *logger.Logger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		api:     api,
		store:   store,
		poll:    poller.New(api, log, cfg.Poller),
		account: account,
		log:     log.With("service", "GenerationEngine"),
		cfg:     cfg,
	}
}

// EstimateCost prices a prospective request for display. A pricing miss
// comes back as a zero-cost quote plus a KindPricing error; it never blocks
// rendering.
func (e *Engine) EstimateCost(modelID string, s gen.Settings, variants int) (pricing.Quote, error) {
	q, err := pricing.Estimate(modelID, pricing.Params{
		Resolution:  s.Resolution,
		Quality:     s.Quality,
		DurationSec: s.DurationSec,
		Variants:    variants,
	})
	if err != nil {
		return q, &Error{Kind: KindPricing, Message: "", cause: err}
	}
	return q, nil
}

// InFlight reports whether a run is currently active.
func (e *Engine) InFlight() bool {
	return e.inFlight.Load()
}

// Cancel aborts the active run, if any. The run's placeholders are removed
// by its own failure path; cancellation is never surfaced as an error
// message.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Generate runs one creation attempt end to end and returns the final
// records on success. A call while another run is active returns ErrInFlight
// immediately without any side effect. All failure paths remove the
// placeholders they created before returning; exactly one user-visible
// message (via UserMessage) describes any non-silent failure.
func (e *Engine) Generate(ctx context.Context, p Params) ([]gen.GenerationRecord, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer e.inFlight.Store(false)

	runCtx, cancel := e.armRun(ctx)
	defer e.disarmRun(cancel)

	log := e.log.With("run_id", uuid.NewString())

	req, err := gen.BuildRequest(gen.BuildParams{
		Prompt:          p.Prompt,
		NegativePrompt:  p.NegativePrompt,
		ModelID:         p.ModelID,
		Mode:            p.Mode,
		Settings:        p.Settings,
		ReferenceAssets: p.ReferenceAssets,
		Variants:        p.Variants,
	})
	if err != nil {
		var vErr *gen.ValidationError
		if errors.As(err, &vErr) {
			return nil, &Error{Kind: KindValidation, Message: vErr.Message, cause: err}
		}
		return nil, &Error{Kind: KindValidation, Message: "invalid request", cause: err}
	}

	quote, priceErr := pricing.Estimate(req.ModelID, pricing.Params{
		Resolution:  req.Settings.Resolution,
		Quality:     req.Settings.Quality,
		DurationSec: req.Settings.DurationSec,
		Variants:    req.Variants,
	})
	if priceErr != nil {
		// Unpriceable models degrade to zero cost rather than blocking the
		// attempt; the server remains the billing authority.
		log.Warn("cost estimate unavailable", "model", req.ModelID, "error", priceErr.Error())
	} else if e.account != nil && quote.TotalCost > e.account.Credits() {
		return nil, &Error{
			Kind:    KindInsufficientCredits,
			Message: "Not enough stars for this generation.",
		}
	}

	key := history.Key{Mode: req.Mode, ThreadID: p.ThreadID}
	pendingIDs := e.appendPlaceholders(key, req, p.ThreadID)

	sub, err := e.api.Submit(runCtx, req, p.ThreadID)
	if err != nil {
		e.removeAll(key, pendingIDs)
		return nil, e.submitError(runCtx, log, err)
	}

	if sub.Completed {
		return e.finalize(log, key, req, p.ThreadID, pendingIDs, sub.GenerationID, sub.URLs), nil
	}

	res, err := e.poll.Wait(runCtx, *sub.Handle)
	if err != nil {
		e.removeAll(key, pendingIDs)
		return nil, e.pollError(log, err)
	}

	return e.finalize(log, key, req, p.ThreadID, pendingIDs, sub.GenerationID, res.URLs), nil
}

// armRun cancels any stale token and installs a fresh one for this run.
// Single-flight should make the stale cancel a no-op, but a crashed run must
// never leave a live token behind.
func (e *Engine) armRun(ctx context.Context) (context.Context, context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	return runCtx, cancel
}

func (e *Engine) disarmRun(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()
	cancel()
}

func (e *Engine) appendPlaceholders(key history.Key, req *gen.GenerationRequest, threadID string) []string {
	now := time.Now()
	ids := make([]string, req.Variants)
	for i := range ids {
		ids[i] = localIDPrefix + shortuuid.New()
		e.store.Append(key, gen.GenerationRecord{
			ID:        ids[i],
			Prompt:    req.Prompt,
			ModelID:   req.ModelID,
			Mode:      req.Mode,
			Settings:  req.Settings,
			Status:    gen.StatusPending,
			CreatedAt: now,
			ThreadID:  threadID,
		})
	}
	return ids
}

func (e *Engine) removeAll(key history.Key, ids []string) {
	for _, id := range ids {
		e.store.Remove(key, id)
	}
}

// finalize swaps placeholders for final records by request-local index: the
// i-th URL reconciles the i-th placeholder. Extra URLs append; leftover
// placeholders are removed. Afterwards the cache is invalidated and the
// balance refreshed off the hot path.
func (e *Engine) finalize(log *logger.Logger, key history.Key, req *gen.GenerationRequest, threadID string, pendingIDs []string, generationID string, urls []string) []gen.GenerationRecord {
	now := time.Now()
	finals := make([]gen.GenerationRecord, 0, len(urls))

	for i, u := range urls {
		rec := gen.GenerationRecord{
			ID:        serverRecordID(generationID, i, len(urls)),
			URL:       u,
			Prompt:    req.Prompt,
			ModelID:   req.ModelID,
			Mode:      req.Mode,
			Settings:  req.Settings,
			Status:    gen.StatusCompleted,
			CreatedAt: now,
			ThreadID:  threadID,
		}
		if i < len(pendingIDs) {
			rec.ReplacesID = pendingIDs[i]
			if !e.store.Reconcile(key, pendingIDs[i], rec) {
				e.store.Append(key, rec)
			}
		} else {
			e.store.Append(key, rec)
		}
		finals = append(finals, rec)
	}
	for i := len(urls); i < len(pendingIDs); i++ {
		e.store.Remove(key, pendingIDs[i])
	}

	log.Info("generation completed", "model", req.ModelID, "outputs", len(finals))

	go e.afterSuccess(key)

	return finals
}

// afterSuccess runs the deferred, non-blocking cleanup: drop the cached page
// so the next load hits the source of truth, then refresh the balance.
func (e *Engine) afterSuccess(key history.Key) {
	e.store.Invalidate(key)
	if e.account == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
	defer cancel()
	if err := e.account.Refresh(ctx); err != nil {
		e.log.Warn("balance refresh failed", "error", err.Error())
	}
}

func (e *Engine) submitError(runCtx context.Context, log *logger.Logger, err error) error {
	if runCtx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, cause: err}
	}
	if genapi.IsRateLimited(err) {
		log.Warn("submission rate limited")
		return &Error{
			Kind:    KindRateLimited,
			Message: "You're generating too quickly. Wait a moment and try again.",
			cause:   err,
		}
	}
	log.Warn("submission failed", "error", err.Error())
	msg := genapi.ErrorMessage(err)
	if msg == "" {
		msg = "Couldn't reach the generation service. Check your connection and try again."
	}
	return &Error{Kind: KindSubmission, Message: msg, cause: err}
}

func (e *Engine) pollError(log *logger.Logger, err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, cause: err}
	}

	var jf *poller.JobFailedError
	if errors.As(err, &jf) {
		log.Warn("job failed", "reason", jf.Reason)
		msg := "Generation failed."
		if jf.Reason != "" {
			msg = "Generation failed: " + jf.Reason
		}
		return &Error{Kind: KindJobFailed, Message: msg, cause: err}
	}
	if errors.Is(err, poller.ErrExhausted) {
		log.Warn("polling exhausted")
		return &Error{
			Kind:    KindPollExhausted,
			Message: "This is taking longer than expected. Your result may still appear in history shortly.",
			cause:   err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("poll timed out", "error", err.Error())
		return &Error{
			Kind:    KindPollTimeout,
			Message: "The generation service stopped responding. Try again.",
			cause:   err,
		}
	}

	log.Warn("polling failed", "error", err.Error())
	msg := genapi.ErrorMessage(err)
	if msg == "" {
		msg = "Lost track of the generation. Try again."
	}
	return &Error{Kind: KindPollHTTP, Message: msg, cause: err}
}

func serverRecordID(generationID string, i, total int) string {
	if generationID == "" {
		return localIDPrefix + shortuuid.New()
	}
	if total == 1 {
		return generationID
	}
	return generationID + "-" + strconv.Itoa(i)
}
