package daemon

import (
	"context"
	"io"
	"time"

	"github.com/armon/go-metrics"
	"github.com/pkg/errors"

	"github.com/GPTx-global/xobserver/observer/api"
	"github.com/GPTx-global/xobserver/observer/chain"
	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/coordinator"
	"github.com/GPTx-global/xobserver/observer/health"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/oracle"
)

const (
	healthInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	// Dial defaults to chain.DialEthClient.
	Dial chain.Dialer
	// Oracle replaces the REST client built from configuration.
	Oracle oracle.StatusOracleClient
	// Serve starts the health loop and the status server.
	Serve bool
}

// Daemon owns every long-lived component of the observer.
type Daemon struct {
	cfg    *config.Config
	logger log.Logger
	closer io.Closer

	registry    *chain.Registry
	oracle      oracle.StatusOracleClient
	coordinator *coordinator.Coordinator
	checker     *health.Checker
	server      *api.Server
	sink        *metrics.InmemSink

	serve  bool
	cancel context.CancelFunc
}

// New dials every chain and wires the coordinator. Configuration errors and
// unreachable chains are returned before anything is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger, closer, err := log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Dir: cfg.Log.Dir})
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, logger: logger, closer: closer, serve: opts.Serve}

	d.sink = metrics.NewInmemSink(10*time.Second, time.Minute)
	metricsCfg := metrics.DefaultConfig("xobserver")
	metricsCfg.EnableHostname = false
	metricsCfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(metricsCfg, d.sink); err != nil {
		d.close()
		return nil, errors.Wrap(err, "failed to set up metrics")
	}

	key, err := chain.LoadKey(cfg.Signer)
	if err != nil {
		d.close()
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = chain.DialEthClient
	}
	d.registry, err = chain.NewRegistry(ctx, cfg, dial, key, logger)
	if err != nil {
		d.close()
		return nil, err
	}

	d.oracle = opts.Oracle
	if d.oracle == nil {
		d.oracle, err = oracle.NewRESTClient(oracle.ConfigFrom(cfg.Oracle), logger)
		if err != nil {
			d.close()
			return nil, err
		}
	}

	d.checker = health.NewChecker(healthInterval, logger)
	for _, name := range d.registry.Names() {
		adapter, _ := d.registry.Get(name)
		d.checker.AddCheck(health.ChainCheck(adapter))
	}
	d.checker.AddCheck(health.OracleCheck(d.oracle))
	if cfg.Oracle.RPCEndpoint != "" {
		node, err := health.NewNodeClient(cfg.Oracle.RPCEndpoint)
		if err != nil {
			d.close()
			return nil, err
		}
		d.checker.AddCheck(health.NodeCheck(node))
	}

	d.server = api.NewServer(cfg.API, d.checker, d.sink, logger)
	d.coordinator = coordinator.New(d.registry, d.oracle, coordinator.ConfigFrom(cfg.Poll), logger,
		coordinator.WithListener(d.server.Record))

	return d, nil
}

// Start launches the health loop and the status server when Serve was set and
// an API address is configured.
func (d *Daemon) Start(ctx context.Context) {
	if !d.serve || d.cfg.API.ListenAddr == "" {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	go d.checker.Start(ctx)
	d.server.Start()
}

// Stop shuts down the background components and releases every connection.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Stop(ctx); err != nil {
			d.logger.Error("failed to stop status server", "err", err)
		}
	}
	d.close()
}

func (d *Daemon) close() {
	if d.registry != nil {
		d.registry.Close()
	}
	if d.closer != nil {
		_ = d.closer.Close()
	}
}

// Probe runs every health check once and returns the names of the failing
// ones.
func (d *Daemon) Probe(ctx context.Context) []string {
	d.checker.RunOnce(ctx)
	return d.checker.Unhealthy()
}

func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coordinator }
func (d *Daemon) Registry() *chain.Registry             { return d.registry }
func (d *Daemon) Checker() *health.Checker              { return d.checker }
func (d *Daemon) Logger() log.Logger                    { return d.logger }
func (d *Daemon) Config() *config.Config                { return d.cfg }
