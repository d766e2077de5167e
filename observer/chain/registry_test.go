package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/core"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/retry"
	"github.com/GPTx-global/xobserver/observer/types"
)

type RegistryTestSuite struct {
	suite.Suite
	cfg         *config.Config
	sim         *backends.SimulatedBackend
	restoreDial func() *retry.Config
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.restoreDial = dialRetryConfig
	dialRetryConfig = func() *retry.Config {
		return &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	}

	suite.sim = backends.NewSimulatedBackend(core.GenesisAlloc{}, 8_000_000)
	suite.cfg = config.SetForTesting("http://127.0.0.1:1317", map[string]config.ChainConfig{
		"alpha": {
			ChainID:          simChainID,
			RPCEndpoint:      "http://alpha.test",
			ConnectorAddress: connectorAddr.Hex(),
		},
		"beta": {
			ChainID:          simChainID + 1,
			RPCEndpoint:      "http://beta.test",
			ConnectorAddress: connectorAddr.Hex(),
		},
	}, time.Second, 3)
}

func (suite *RegistryTestSuite) TearDownTest() {
	dialRetryConfig = suite.restoreDial
	_ = suite.sim.Close()
}

// dialer answers each endpoint with a backend reporting the given chain id.
func (suite *RegistryTestSuite) dialer(ids map[string]int64, failures map[string]int) Dialer {
	return func(_ context.Context, endpoint string) (Backend, error) {
		if failures[endpoint] > 0 {
			failures[endpoint]--
			return nil, errors.New("connection refused")
		}
		return fixedID{simulated{suite.sim}, ids[endpoint]}, nil
	}
}

type fixedID struct {
	simulated
	id int64
}

func (f fixedID) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.id), nil
}

func (suite *RegistryTestSuite) TestNewRegistry() {
	dial := suite.dialer(map[string]int64{
		"http://alpha.test": simChainID,
		"http://beta.test":  simChainID + 1,
	}, map[string]int{"http://beta.test": 2})

	registry, err := NewRegistry(context.Background(), suite.cfg, dial, nil, log.NewNop())
	suite.Require().NoError(err)

	suite.Equal([]string{"alpha", "beta"}, registry.Names())

	alpha, err := registry.Get("alpha")
	suite.Require().NoError(err)
	suite.Equal(int64(simChainID), alpha.ChainID())

	_, err = registry.EVM("beta")
	suite.NoError(err)

	_, err = registry.Get("gamma")
	suite.True(errors.Is(err, types.ErrUnknownChain))
}

func (suite *RegistryTestSuite) TestNewRegistry_ChainIDMismatch() {
	dial := suite.dialer(map[string]int64{
		"http://alpha.test": simChainID,
		"http://beta.test":  5,
	}, nil)

	_, err := NewRegistry(context.Background(), suite.cfg, dial, nil, log.NewNop())
	suite.Require().Error(err)
	suite.True(errors.Is(err, types.ErrInvalidConfig))
	suite.Contains(err.Error(), "beta")
}

func (suite *RegistryTestSuite) TestNewRegistry_Unreachable() {
	dial := suite.dialer(map[string]int64{
		"http://alpha.test": simChainID,
	}, map[string]int{"http://alpha.test": 100})

	_, err := NewRegistry(context.Background(), suite.cfg, dial, nil, log.NewNop())
	suite.Require().Error(err)
	suite.True(errors.Is(err, types.ErrInvalidConfig))
}

func (suite *RegistryTestSuite) TestResolve() {
	dial := suite.dialer(map[string]int64{
		"http://alpha.test": simChainID,
		"http://beta.test":  simChainID + 1,
	}, nil)
	registry, err := NewRegistry(context.Background(), suite.cfg, dial, nil, log.NewNop())
	suite.Require().NoError(err)

	op, err := registry.Resolve(types.Operation{SourceChain: "alpha", DestinationChain: "beta"})
	suite.Require().NoError(err)
	suite.Equal(int64(simChainID+1), op.DestinationChainID)

	_, err = registry.Resolve(types.Operation{SourceChain: "alpha", DestinationChain: "gamma"})
	suite.True(errors.Is(err, types.ErrUnknownChain))

	_, err = registry.Resolve(types.Operation{SourceChain: "gamma", DestinationChain: "beta"})
	suite.True(errors.Is(err, types.ErrUnknownChain))
}
