package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/studyforge/internal/cost"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/resilience"
)

const (
	defaultCallTimeout   = 2 * time.Minute
	ledgerWriteTimeout   = 10 * time.Second
	defaultLedgerBackoff = 200 * time.Millisecond
)

// Ledger appends usage records.
type Ledger interface {
	RecordUsage(ctx context.Context, rec *model.UsageRecord) error
}

// Router resolves a task to a provider, guards the call and records it in
// the ledger.
type Router struct {
	source   ConfigSource
	ledger   Ledger
	calc     *cost.Calculator
	timeout  time.Duration
	retry    resilience.RetryConfig
	rates    map[model.Provider]RateLimit
	breakers *resilience.ProviderBreakers
	log      *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	clients  map[model.Provider]Client
	limiters map[model.Provider]*rate.Limiter
}

// NewRouter creates a Router with an empty routing table.
func NewRouter(source ConfigSource, ledger Ledger, calc *cost.Calculator, cfg Config) *Router {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	retry := cfg.LedgerRetry
	if retry.MaxAttempts <= 0 {
		retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: defaultLedgerBackoff, MaxBackoff: 2 * time.Second, Multiplier: 2}
	}
	retry.ShouldRetry = func(error) bool { return true }
	retry.OnRetry = resilience.RetryLogger("ai", "record_usage")

	if calc == nil {
		calc = cost.NewCalculator(nil)
	}
	return &Router{
		source:   source,
		ledger:   ledger,
		calc:     calc,
		timeout:  timeout,
		retry:    retry,
		rates:    cfg.RateLimits,
		breakers: resilience.NewProviderBreakers(resilience.FromCircuitConfig(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout)),
		log:      zap.L().With(zap.String("component", "ai")),
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[model.Provider]Client),
		limiters: make(map[model.Provider]*rate.Limiter),
	}
}

// Register installs the client for a provider.
func (r *Router) Register(p model.Provider, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[p] = c
	lim := rate.NewLimiter(rate.Inf, 0)
	if rl, ok := r.rates[p]; ok && rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	r.limiters[p] = lim
}

// Providers lists the registered providers.
func (r *Router) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.clients))
	for _, p := range model.Providers {
		if _, ok := r.clients[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// BreakerStates reports the circuit state of each provider that has been
// called.
func (r *Router) BreakerStates() map[string]resilience.CircuitState {
	return r.breakers.States()
}

func (r *Router) client(p model.Provider) (Client, *rate.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[p]
	return c, r.limiters[p], ok
}

// Route resolves the route a request would take without calling anything.
func (r *Router) Route(ctx context.Context, task model.TaskType, override *Override) (Route, error) {
	set, err := r.source.ConfigSet(ctx)
	if err != nil {
		return Route{}, err
	}
	return Resolve(set, task, override)
}

// Call runs req on its resolved provider. Every call that reaches a
// provider appends exactly one usage record before Call returns, whether
// it succeeded or not. Calls refused before dispatch (no route, no client,
// open circuit) record nothing.
func (r *Router) Call(ctx context.Context, req Request) (*Response, error) {
	route, err := r.Route(ctx, req.Task, req.Override)
	if err != nil {
		return nil, err
	}
	client, limiter, ok := r.client(route.Provider)
	if !ok {
		return nil, resilience.NewTerminalError(
			eris.Errorf("ai: no client registered for provider %s", route.Provider), resilience.KindNoRoute)
	}

	breaker := r.breakers.For(route.Provider)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ai: rate limit wait"), 0)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	comp, callErr := client.Complete(callCtx, Call{
		Model:       route.Model,
		System:      req.System,
		Prompt:      req.Prompt,
		Images:      req.Images,
		Temperature: route.Temperature,
		MaxTokens:   route.MaxTokens,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	if callErr != nil && timedOut && !resilience.IsTransient(callErr) {
		callErr = resilience.NewTransientError(eris.Wrapf(callErr, "ai: %s call timed out after %s", route.Provider, r.timeout), 408)
	}
	if callErr == nil && comp == nil {
		callErr = resilience.NewTerminalError(eris.New("ai: provider returned no completion"), resilience.KindMalformed)
	}
	breaker.Record(callErr)

	rec := r.usageRecord(req, route, comp, callErr)
	r.writeLedger(ctx, rec)

	r.log.Info("ai call",
		zap.String("task", string(route.Task)),
		zap.String("provider", string(route.Provider)),
		zap.String("model", rec.Model),
		zap.Bool("success", rec.Success),
		zap.String("error_kind", rec.ErrorKind),
		zap.Int64("input_tokens", rec.InputTokens),
		zap.Int64("output_tokens", rec.OutputTokens),
		zap.Float64p("cost", rec.Cost),
		zap.Duration("elapsed", time.Since(start)),
	)

	if callErr != nil {
		return nil, eris.Wrapf(callErr, "ai: %s %s", route.Task, route.Provider)
	}
	return &Response{
		Text:     comp.Text,
		Provider: route.Provider,
		Model:    rec.Model,
		Usage:    comp.Usage,
		Cost:     rec.Cost,
	}, nil
}

func (r *Router) usageRecord(req Request, route Route, comp *Completion, callErr error) *model.UsageRecord {
	now := r.now()
	rec := &model.UsageRecord{
		Task:      route.Task,
		Provider:  route.Provider,
		Model:     route.Model,
		Success:   callErr == nil,
		ErrorKind: resilience.KindOf(callErr),
		BatchID:   req.BatchID,
		PageID:    req.PageID,
		Day:       now.Format(model.DayFormat),
		CreatedAt: now,
	}
	if comp != nil && comp.Usage.Known {
		rec.InputTokens, rec.OutputTokens = comp.Usage.InputTokens, comp.Usage.OutputTokens
		rec.Cost = r.calc.Cost(route.Provider, route.Model, rec.InputTokens, rec.OutputTokens)
	}
	return rec
}

// writeLedger retries briefly and detaches from the caller's cancellation;
// a canceled stage still owes its ledger row.
func (r *Router) writeLedger(ctx context.Context, rec *model.UsageRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	err := resilience.Do(wctx, r.retry, func(ctx context.Context) error {
		return r.ledger.RecordUsage(ctx, rec)
	})
	if err != nil {
		r.log.Error("ledger write failed",
			zap.Error(err),
			zap.String("task", string(rec.Task)),
			zap.String("provider", string(rec.Provider)),
			zap.String("model", rec.Model),
			zap.Int64("input_tokens", rec.InputTokens),
			zap.Int64("output_tokens", rec.OutputTokens),
			zap.Float64p("cost", rec.Cost),
			zap.Bool("success", rec.Success),
			zap.String("error_kind", rec.ErrorKind),
			zap.String("batch_id", rec.BatchID),
			zap.String("page_id", rec.PageID),
			zap.String("day", rec.Day),
			zap.Time("created_at", rec.CreatedAt),
		)
	}
}
