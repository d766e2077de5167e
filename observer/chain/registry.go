package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/retry"
	"github.com/GPTx-global/xobserver/observer/types"
)

// Dialer connects to a chain endpoint.
type Dialer func(ctx context.Context, endpoint string) (Backend, error)

func DialEthClient(ctx context.Context, endpoint string) (Backend, error) {
	return ethclient.DialContext(ctx, endpoint)
}

// dialRetryConfig is swapped out by tests.
var dialRetryConfig = retry.DialConfig

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// Registry maps configured chain names to adapters.
type Registry struct {
	adapters map[string]ChainAdapter
	backends []Backend
}

// NewRegistry dials every configured chain and checks that the node reports
// the configured chain id. Any failure aborts startup.
func NewRegistry(ctx context.Context, cfg *config.Config, dial Dialer, key *ecdsa.PrivateKey, logger log.Logger) (*Registry, error) {
	r := &Registry{adapters: make(map[string]ChainAdapter, len(cfg.Chains))}

	for _, name := range cfg.ChainNames() {
		chainCfg := cfg.Chains[name]

		backend, err := dialChecked(ctx, name, chainCfg, dial, logger)
		if err != nil {
			r.Close()
			return nil, err
		}

		r.backends = append(r.backends, backend)
		r.adapters[name] = NewEVMAdapter(EVMConfigFrom(name, chainCfg), backend, key, logger)
		logger.Info("chain registered", "chain", name, "chain_id", chainCfg.ChainID, "endpoint", chainCfg.RPCEndpoint)
	}

	return r, nil
}

func dialChecked(ctx context.Context, name string, cfg config.ChainConfig, dial Dialer, logger log.Logger) (Backend, error) {
	cb := retry.NewCircuitBreaker(3, 30*time.Second)

	var backend Backend
	err := retry.Do(ctx, dialRetryConfig(), func() error {
		return cb.Execute(func() error {
			b, err := dial(ctx, cfg.RPCEndpoint)
			if err != nil {
				return errors.Wrapf(err, "failed to dial %s", cfg.RPCEndpoint)
			}

			if reader, ok := b.(chainIDReader); ok {
				id, err := reader.ChainID(ctx)
				if err != nil {
					closeBackend(b)
					return errors.Wrap(err, "failed to read chain id")
				}
				if id.Int64() != cfg.ChainID {
					closeBackend(b)
					return types.ErrInvalidConfig.Wrapf("chains.%s: node reports chain id %s, configured %d", name, id, cfg.ChainID)
				}
			}

			backend = b
			return nil
		})
	}, func(err error) bool {
		retryable := !errors.Is(err, types.ErrInvalidConfig)
		if retryable {
			logger.Info("dial failed, retrying", "chain", name, "err", err)
		}
		return retryable
	})
	if err != nil {
		if errors.Is(err, types.ErrInvalidConfig) {
			return nil, err
		}
		return nil, types.ErrInvalidConfig.Wrapf("chains.%s: %v", name, err)
	}

	return backend, nil
}

// NewRegistryFromAdapters builds a registry around existing adapters.
func NewRegistryFromAdapters(adapters ...ChainAdapter) *Registry {
	r := &Registry{adapters: make(map[string]ChainAdapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (ChainAdapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, types.ErrUnknownChain.Wrap(name)
	}
	return a, nil
}

// EVM returns the EVM adapter for name, for the allowance commands.
func (r *Registry) EVM(name string) (*EVMAdapter, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	evm, ok := a.(*EVMAdapter)
	if !ok {
		return nil, types.ErrUnknownChain.Wrapf("%s is not an EVM chain", name)
	}
	return evm, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve checks both ends of op and fills DestinationChainID.
func (r *Registry) Resolve(op types.Operation) (types.Operation, error) {
	if _, err := r.Get(op.SourceChain); err != nil {
		return op, err
	}
	dest, err := r.Get(op.DestinationChain)
	if err != nil {
		return op, err
	}
	op.DestinationChainID = dest.ChainID()
	return op, nil
}

func (r *Registry) Close() {
	for _, b := range r.backends {
		closeBackend(b)
	}
	r.backends = nil
}

func closeBackend(b Backend) {
	switch c := b.(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
}
