package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/roach88/crmsync/internal/ir"
)

// Default Guard policy.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultMaxAttempts = 4
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// RefreshFunc obtains fresh credentials after the remote side rejected the
// current ones.
type RefreshFunc func(ctx context.Context) (ir.Credentials, error)

// Guard wraps an adapter with the per-connection call policy: a rate limit,
// a timeout per attempt, exponential backoff for transient failures that
// honors the provider's Retry-After, and a single credential refresh when
// the remote side rejects the credentials.
//
// Thread-safety: Guard is safe for concurrent use; one Guard is shared by all
// record workers of a run.
type Guard struct {
	next        Adapter
	limiter     *rate.Limiter
	timeout     time.Duration
	maxAttempts uint64
	base        time.Duration
	maxBackoff  time.Duration
	refresh     RefreshFunc
	logger      zerolog.Logger

	mu        sync.Mutex
	refreshed bool
	gen       int
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithRateLimit allows perSecond calls with the given burst. A non-positive
// rate disables limiting.
func WithRateLimit(perSecond float64, burst int) GuardOption {
	return func(g *Guard) {
		if perSecond <= 0 {
			g.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithCallTimeout bounds each attempt. An attempt that runs past it counts
// as a transient failure.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// WithRetry sets the attempt budget and the backoff curve.
func WithRetry(maxAttempts int, base, maxBackoff time.Duration) GuardOption {
	return func(g *Guard) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		g.maxAttempts = uint64(maxAttempts)
		g.base = base
		g.maxBackoff = maxBackoff
	}
}

// WithRefresh enables the credential refresh on AuthExpiredError.
func WithRefresh(f RefreshFunc) GuardOption {
	return func(g *Guard) { g.refresh = f }
}

// WithGuardLogger sets the logger for retries and refreshes.
func WithGuardLogger(l zerolog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard wraps next.
func NewGuard(next Adapter, opts ...GuardOption) *Guard {
	g := &Guard{
		next:        next,
		limiter:     rate.NewLimiter(rate.Inf, 0),
		timeout:     DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
		base:        DefaultBackoffBase,
		maxBackoff:  DefaultMaxBackoff,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FetchChanged implements Adapter.
func (g *Guard) FetchChanged(ctx context.Context, entity EntityRef, cursor string) (*Page, error) {
	var page *Page
	err := g.call(ctx, "fetch "+entity.Name, func(ctx context.Context) error {
		var err error
		page, err = g.next.FetchChanged(ctx, entity, cursor)
		return err
	})
	return page, err
}

// Upsert implements Adapter.
func (g *Guard) Upsert(ctx context.Context, entity EntityRef, remoteID string, fields ir.Object) (string, error) {
	var id string
	err := g.call(ctx, "upsert "+entity.Name, func(ctx context.Context) error {
		var err error
		id, err = g.next.Upsert(ctx, entity, remoteID, fields)
		return err
	})
	return id, err
}

// Delete implements Adapter.
func (g *Guard) Delete(ctx context.Context, entity EntityRef, remoteID string) error {
	return g.call(ctx, "delete "+entity.Name, func(ctx context.Context) error {
		return g.next.Delete(ctx, entity, remoteID)
	})
}

// call runs fn under the retry policy. An AuthExpiredError triggers at most
// one refresh per Guard followed by exactly one more attempt.
func (g *Guard) call(ctx context.Context, op string, fn func(context.Context) error) error {
	gen := g.generation()
	err := g.retry(ctx, op, fn)
	if !IsAuthExpired(err) || g.refresh == nil {
		return err
	}
	if rerr := g.refreshOnce(ctx, gen); rerr != nil {
		g.logger.Warn().Err(rerr).Str("op", op).Msg("credential refresh failed")
		return err
	}
	return g.retry(ctx, op, fn)
}

func (g *Guard) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.NewExponential(g.base)
	b = retry.WithCappedDuration(g.maxBackoff, b)
	b = retry.WithMaxRetries(g.maxAttempts-1, b)

	// A delay requested by the provider replaces a shorter backoff step.
	var requested time.Duration
	steps := b
	b = retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := steps.Next()
		if stop {
			return 0, true
		}
		if requested > d {
			d = requested
		}
		requested = 0
		return d, false
	})

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		err := g.attempt(ctx, op, fn)
		if IsTransient(err) {
			requested = retryAfter(err)
			g.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).
				Dur("retry_after", requested).Msg("transient failure")
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryAfter returns the delay a transient error asks for, or zero.
func retryAfter(err error) time.Duration {
	var te *TransientRemoteError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return 0
}

func (g *Guard) attempt(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTransient(err) {
		return &TransientRemoteError{Op: op, Err: err}
	}
	return err
}

func (g *Guard) generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// refreshOnce refreshes credentials unless another caller already did so
// since gen was observed. Only one refresh happens per Guard.
func (g *Guard) refreshOnce(ctx context.Context, gen int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return nil
	}
	if g.refreshed {
		return errors.New("credentials already refreshed once in this run")
	}
	g.refreshed = true
	creds, err := g.refresh(ctx)
	if err != nil {
		return err
	}
	if a, ok := g.next.(Authenticator); ok {
		a.SetCredentials(creds)
	}
	g.gen++
	g.logger.Info().Msg("credentials refreshed")
	return nil
}

var _ Adapter = (*Guard)(nil)
