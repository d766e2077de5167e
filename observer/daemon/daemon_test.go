package daemon

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/xobserver/observer/chain"
	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/oracle/oracletest"
	"github.com/GPTx-global/xobserver/observer/types"
)

const simChainID = 1337

// reporting makes the simulated backend answer with a chosen chain id.
type reporting struct {
	*backends.SimulatedBackend
	id int64
}

func (r reporting) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(r.id), nil
}

// Close leaves the shared backend to TearDownTest.
func (reporting) Close() error {
	return nil
}

type DaemonTestSuite struct {
	suite.Suite
	key    *ecdsa.PrivateKey
	sim    *backends.SimulatedBackend
	oracle *oracletest.Server
	cfg    *config.Config
	stop   chan struct{}
	done   chan struct{}
}

func TestDaemonTestSuite(t *testing.T) {
	suite.Run(t, new(DaemonTestSuite))
}

func (suite *DaemonTestSuite) SetupTest() {
	var err error
	suite.key, err = crypto.GenerateKey()
	suite.Require().NoError(err)

	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	suite.sim = backends.NewSimulatedBackend(core.GenesisAlloc{
		crypto.PubkeyToAddress(suite.key.PublicKey): {Balance: balance},
	}, 8_000_000)

	suite.stop = make(chan struct{})
	suite.done = make(chan struct{})
	go func() {
		defer close(suite.done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-suite.stop:
				return
			case <-ticker.C:
				suite.sim.Commit()
			}
		}
	}()

	suite.oracle = oracletest.NewServer()

	connector := common.HexToAddress("0x00000000000000000000000000000000000000c0").Hex()
	suite.cfg = config.SetForTesting(suite.oracle.URL, map[string]config.ChainConfig{
		"alpha": {ChainID: simChainID, RPCEndpoint: "http://alpha.test", ConnectorAddress: connector, BlockTime: config.Duration(10 * time.Millisecond)},
		"beta":  {ChainID: 97, RPCEndpoint: "http://beta.test", ConnectorAddress: connector},
	}, 20*time.Millisecond, 10)
	suite.cfg.Signer.PrivateKey = hex.EncodeToString(crypto.FromECDSA(suite.key))
	suite.cfg.API.ListenAddr = "127.0.0.1:0"
}

func (suite *DaemonTestSuite) TearDownTest() {
	close(suite.stop)
	<-suite.done
	suite.oracle.Close()
	_ = suite.sim.Close()
}

func (suite *DaemonTestSuite) dial(ids map[string]int64) chain.Dialer {
	return func(_ context.Context, endpoint string) (chain.Backend, error) {
		id, ok := ids[endpoint]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return reporting{suite.sim, id}, nil
	}
}

func (suite *DaemonTestSuite) newDaemon() *Daemon {
	d, err := New(context.Background(), suite.cfg, Options{
		Dial:  suite.dial(map[string]int64{"http://alpha.test": simChainID, "http://beta.test": 97}),
		Serve: true,
	})
	suite.Require().NoError(err)
	return d
}

func (suite *DaemonTestSuite) TestObserve() {
	d := suite.newDaemon()
	defer d.Stop()

	suite.oracle.ScriptAll(oracletest.NotFound(), oracletest.Status("PendingOutbound"), oracletest.Status("OutboundMined"))

	v := d.Coordinator().Observe(context.Background(), types.Operation{
		SourceChain:      "alpha",
		DestinationChain: "beta",
		Payload:          []byte("ping"),
		Amount:           sdkmath.NewInt(10_000_000),
	})

	suite.Require().True(v.Succeeded(), v.String())
	suite.Equal(3, v.Attempts)
	suite.Require().NotNil(v.Receipt)
	suite.Equal("alpha", v.Receipt.Chain)
	suite.Equal(uint64(0), v.Receipt.Nonce)
	suite.Equal(3, suite.oracle.Hits(v.Key))
}

func (suite *DaemonTestSuite) TestProbe() {
	d := suite.newDaemon()
	defer d.Stop()

	suite.Empty(d.Probe(context.Background()))

	suite.oracle.SetDown(true)
	suite.Equal([]string{"oracle/rest"}, d.Probe(context.Background()))
}

func (suite *DaemonTestSuite) TestStartStop() {
	d := suite.newDaemon()
	d.Start(context.Background())

	suite.Eventually(func() bool { return d.Checker().IsHealthy() }, time.Second, 5*time.Millisecond)
	d.Stop()
}

func (suite *DaemonTestSuite) TestNew_ChainIDMismatch() {
	_, err := New(context.Background(), suite.cfg, Options{
		Dial: suite.dial(map[string]int64{"http://alpha.test": simChainID, "http://beta.test": 56}),
	})
	suite.True(errors.Is(err, types.ErrInvalidConfig))
}

func (suite *DaemonTestSuite) TestNew_BadOracle() {
	suite.cfg.Oracle.RESTEndpoint = "localhost"
	_, err := New(context.Background(), suite.cfg, Options{
		Dial: suite.dial(map[string]int64{"http://alpha.test": simChainID, "http://beta.test": 97}),
	})
	suite.True(errors.Is(err, types.ErrInvalidConfig))
}

func (suite *DaemonTestSuite) TestReadOnly() {
	suite.cfg.Signer.PrivateKey = ""
	d := suite.newDaemon()
	defer d.Stop()

	v := d.Coordinator().Observe(context.Background(), types.Operation{
		SourceChain:      "alpha",
		DestinationChain: "beta",
		Amount:           sdkmath.NewInt(1),
	})
	suite.Equal(types.ReasonSubmissionError, v.Reason)
	suite.True(errors.Is(v.Err, types.ErrSubmission))
}
