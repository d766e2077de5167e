package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	coretypes "github.com/tendermint/tendermint/rpc/core/types"

	"github.com/GPTx-global/xobserver/observer/chain"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/oracle"
	"github.com/GPTx-global/xobserver/observer/types"
)

const checkTimeout = 5 * time.Second

type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Status is the result of the most recent run of one check.
type Status struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Checker runs a set of named checks and keeps their latest results.
type Checker struct {
	interval time.Duration
	logger   log.Logger

	mu     sync.RWMutex
	checks map[string]Check
	status map[string]Status
}

func NewChecker(interval time.Duration, logger log.Logger) *Checker {
	return &Checker{
		interval: interval,
		logger:   logger.With("module", "health"),
		checks:   make(map[string]Check),
		status:   make(map[string]Status),
	}
}

// AddCheck registers a check. It reports unhealthy until it first runs.
func (c *Checker) AddCheck(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := check.Name()
	c.checks[name] = check
	c.status[name] = Status{LastError: "not checked yet"}
}

// Start runs every check immediately and then once per interval until ctx is
// done.
func (c *Checker) Start(ctx context.Context) {
	c.logger.Info("starting", "interval", c.interval, "checks", len(c.checks))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-ctx.Done():
			c.logger.Info("stopped")
			return
		}
	}
}

// RunOnce runs every check in parallel and waits for all of them.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, check)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx, check)
		}()
	}
	wg.Wait()
}

func (c *Checker) run(ctx context.Context, check Check) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	err := check.Check(ctx)
	status := Status{Healthy: err == nil, LastCheck: time.Now()}

	gauge := float32(1)
	if err != nil {
		gauge = 0
		status.LastError = err.Error()
		c.logger.Error("check failed", "check", check.Name(), "err", err)
	} else {
		c.logger.Debug("check passed", "check", check.Name())
	}
	metrics.SetGaugeWithLabels([]string{"health", "up"}, gauge, []metrics.Label{{Name: "check", Value: check.Name()}})

	c.mu.Lock()
	c.status[check.Name()] = status
	c.mu.Unlock()
}

// Statuses returns a copy of the latest results.
func (c *Checker) Statuses() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]Status, len(c.status))
	for name, status := range c.status {
		result[name] = status
	}
	return result
}

// Unhealthy returns the names of failing checks, sorted.
func (c *Checker) Unhealthy() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, status := range c.status {
		if !status.Healthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Checker) IsHealthy() bool {
	return len(c.Unhealthy()) == 0
}

// FuncCheck adapts a function to Check.
type FuncCheck struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, fn: fn}
}

func (f *FuncCheck) Name() string {
	return f.name
}

func (f *FuncCheck) Check(ctx context.Context) error {
	return f.fn(ctx)
}

// ChainCheck passes when the chain answers a block number query.
func ChainCheck(adapter chain.ChainAdapter) Check {
	return NewFuncCheck("chain/"+adapter.Name(), func(ctx context.Context) error {
		_, err := adapter.BlockNumber(ctx)
		return err
	})
}

// OracleCheck passes when the oracle's REST gateway answers.
func OracleCheck(client oracle.StatusOracleClient) Check {
	return NewFuncCheck("oracle/rest", client.Probe)
}

// NodeStatusClient is the part of the tendermint RPC client the node check
// uses.
type NodeStatusClient interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
}

// NodeCheck passes when the indexing chain's node answers and is not
// catching up.
func NodeCheck(client NodeStatusClient) Check {
	return NewFuncCheck("oracle/node", func(ctx context.Context) error {
		res, err := client.Status(ctx)
		if err != nil {
			return types.ErrTransport.Wrap(err.Error())
		}
		if res.SyncInfo.CatchingUp {
			return types.ErrTransport.Wrapf("node is catching up at height %d", res.SyncInfo.LatestBlockHeight)
		}
		return nil
	})
}

// NewNodeClient connects to the indexing chain's tendermint RPC endpoint.
func NewNodeClient(endpoint string) (*rpchttp.HTTP, error) {
	client, err := rpchttp.New(endpoint, "/websocket")
	if err != nil {
		return nil, types.ErrInvalidConfig.Wrapf("oracle.rpc_endpoint: %v", err)
	}
	return client, nil
}
