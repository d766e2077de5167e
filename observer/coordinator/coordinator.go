package coordinator

import (
	"context"
	"time"

	"github.com/armon/go-metrics"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/GPTx-global/xobserver/observer/chain"
	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/oracle"
	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 18
)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
	// Deadline defaults to Interval * MaxAttempts.
	Deadline time.Duration
}

func ConfigFrom(p config.PollConfig) Config {
	return Config{
		Interval:    p.Interval.Std(),
		MaxAttempts: p.MaxAttempts,
		Deadline:    p.PollDeadline(),
	}
}

func (c Config) budget() Budget {
	return Budget{MaxAttempts: c.MaxAttempts, Deadline: c.Deadline}
}

// Listener is called with every terminal verdict.
type Listener func(types.Verdict)

type Option func(*Coordinator)

func WithListener(l Listener) Option {
	return func(c *Coordinator) {
		c.listeners = append(c.listeners, l)
	}
}

// Coordinator submits operations and waits for the indexing chain to report a
// terminal status for them.
type Coordinator struct {
	registry *chain.Registry
	oracle   oracle.StatusOracleClient
	cfg      Config
	logger   log.Logger

	// inFlight holds the keys that have a running poll loop.
	inFlight  cmap.ConcurrentMap[string, struct{}]
	listeners []Listener
}

func New(registry *chain.Registry, oracleClient oracle.StatusOracleClient, cfg Config, logger log.Logger, opts ...Option) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = cfg.Interval * time.Duration(cfg.MaxAttempts)
	}

	c := &Coordinator{
		registry: registry,
		oracle:   oracleClient,
		cfg:      cfg,
		logger:   logger.With("module", "coordinator"),
		inFlight: cmap.New[struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Observe submits op and waits for its record to become terminal. The
// submission is not cancelled with ctx; only the polling is.
func (c *Coordinator) Observe(ctx context.Context, op types.Operation) types.Verdict {
	start := time.Now()

	resolved, err := c.registry.Resolve(op)
	if err != nil {
		return c.finish(submissionFailed(err, start), start)
	}
	adapter, err := c.registry.Get(resolved.SourceChain)
	if err != nil {
		return c.finish(submissionFailed(err, start), start)
	}

	c.logger.Info("submitting", "op", resolved)
	receipt, err := adapter.Submit(context.WithoutCancel(ctx), resolved)
	if err != nil {
		return c.finish(submissionFailed(err, start), start)
	}

	key := types.KeyFromReceipt(receipt).Normalize()
	if err := c.reserve(key); err != nil {
		return c.finish(duplicateKey(key, receipt, err, start), start)
	}
	defer c.release(key)

	v := c.poll(ctx, key)
	v.Receipt = &receipt
	v.Elapsed = time.Since(start)
	return c.finish(v, start)
}

// Await polls a single key. The error is only for usage errors: a malformed
// key or one that already has a poll loop.
func (c *Coordinator) Await(ctx context.Context, key types.ObservationKey) (types.Verdict, error) {
	verdicts, err := c.AwaitAll(ctx, []types.ObservationKey{key})
	if err != nil {
		return types.Verdict{}, err
	}
	return verdicts[0], nil
}

// AwaitAll runs one poll loop per key in parallel and returns one verdict per
// key, in input order, once every loop is terminal.
func (c *Coordinator) AwaitAll(ctx context.Context, keys []types.ObservationKey) ([]types.Verdict, error) {
	normalized := make([]types.ObservationKey, len(keys))
	for i, key := range keys {
		if err := key.Validate(); err != nil {
			return nil, err
		}
		normalized[i] = key.Normalize()
	}

	for i, key := range normalized {
		if err := c.reserve(key); err != nil {
			for _, reserved := range normalized[:i] {
				c.release(reserved)
			}
			return nil, err
		}
	}

	verdicts := make([]types.Verdict, len(normalized))
	var g errgroup.Group
	for i, key := range normalized {
		g.Go(func() error {
			defer c.release(key)
			start := time.Now()
			verdicts[i] = c.finish(c.poll(ctx, key), start)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts, nil
}

// ObserveAll observes every operation concurrently and returns the verdicts in
// input order.
func (c *Coordinator) ObserveAll(ctx context.Context, ops []types.Operation) []types.Verdict {
	verdicts := make([]types.Verdict, len(ops))

	var g errgroup.Group
	for i, op := range ops {
		g.Go(func() error {
			verdicts[i] = c.Observe(ctx, op)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

// poll runs the fetch loop for a reserved key.
func (c *Coordinator) poll(ctx context.Context, key types.ObservationKey) types.Verdict {
	budget := c.cfg.budget()
	state := PollState{Key: key}
	start := time.Now()

	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			state.Elapsed = time.Since(start)
			return cancelled(state, ctx.Err())
		}

		record, err := c.oracle.Fetch(ctx, key)
		metrics.IncrCounterWithLabels([]string{"coordinator", "poll", "attempts"}, 1, []metrics.Label{{Name: "kind", Value: key.Kind.String()}})

		next, v := NextPollState(state, FetchResult{Record: record, Err: err, Elapsed: time.Since(start)}, budget)
		state = next
		// a completed fetch stands; one cut short by ctx ends the loop
		if ctx.Err() != nil && types.IsRetryable(err) {
			return cancelled(state, ctx.Err())
		}
		if v != nil {
			return *v
		}

		c.logger.Debug("not terminal yet", "key", key, "attempts", state.Attempts, "record", record != nil, "err", err)

		wait := c.cfg.Interval
		if remaining := budget.Deadline - time.Since(start); remaining < wait {
			wait = max(remaining, 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			state.Elapsed = time.Since(start)
			return cancelled(state, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Coordinator) reserve(key types.ObservationKey) error {
	if !c.inFlight.SetIfAbsent(key.String(), struct{}{}) {
		return types.ErrDuplicateKey.Wrap(key.String())
	}
	return nil
}

func (c *Coordinator) release(key types.ObservationKey) {
	c.inFlight.Remove(key.String())
}

// duplicateKey reports a receipt whose key is already being polled. Nothing
// was fetched for it, so the verdict carries the submission receipt only.
func duplicateKey(key types.ObservationKey, receipt types.LocalReceipt, err error, start time.Time) types.Verdict {
	return types.Verdict{
		Key:     key,
		Outcome: types.OutcomeFailure,
		Reason:  types.ReasonSubmissionError,
		Receipt: &receipt,
		Elapsed: time.Since(start),
		Err:     err,
	}
}

// InFlight returns the number of keys being polled.
func (c *Coordinator) InFlight() int {
	return c.inFlight.Count()
}

func (c *Coordinator) finish(v types.Verdict, start time.Time) types.Verdict {
	labels := []metrics.Label{{Name: "reason", Value: v.Reason.String()}}
	metrics.IncrCounterWithLabels([]string{"coordinator", "verdicts"}, 1, labels)
	metrics.MeasureSinceWithLabels([]string{"coordinator", "await"}, start, labels)

	if v.Succeeded() {
		c.logger.Info("observation finalized", "key", v.Key, "attempts", v.Attempts, "elapsed", v.Elapsed)
	} else {
		c.logger.Error("observation failed", "key", v.Key, "reason", v.Reason, "attempts", v.Attempts, "err", v.Err)
	}

	for _, l := range c.listeners {
		l(v)
	}
	return v
}

func submissionFailed(err error, start time.Time) types.Verdict {
	return types.Verdict{
		Outcome: types.OutcomeFailure,
		Reason:  types.ReasonSubmissionError,
		Elapsed: time.Since(start),
		Err:     err,
	}
}

func cancelled(s PollState, cause error) types.Verdict {
	return types.Verdict{
		Key:      s.Key,
		Outcome:  types.OutcomeFailure,
		Reason:   types.ReasonCancelled,
		Record:   s.LastSeen,
		Attempts: s.Attempts,
		Elapsed:  s.Elapsed,
		Err:      types.ErrCancelled.Wrapf("%v", cause),
	}
}
