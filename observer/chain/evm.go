package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/GPTx-global/xobserver/observer/config"
	"github.com/GPTx-global/xobserver/observer/log"
	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	DefaultDestinationGasLimit = 250_000
	DefaultTxGasLimit          = 300_000
	DefaultReceiptPoll         = time.Second
)

// Backend is what the adapter needs from a node. Both ethclient.Client and
// the simulated backend satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type EVMConfig struct {
	Name           string
	ChainID        int64
	Connector      common.Address
	Token          common.Address
	Confirmations  uint64
	GasLimit       uint64
	ReceiptPoll    time.Duration
	ConfirmTimeout time.Duration
}

func EVMConfigFrom(name string, cfg config.ChainConfig) EVMConfig {
	c := EVMConfig{
		Name:           name,
		ChainID:        cfg.ChainID,
		Connector:      common.HexToAddress(cfg.ConnectorAddress),
		Confirmations:  cfg.Confirmations,
		GasLimit:       cfg.GasLimit,
		ReceiptPoll:    cfg.BlockTime.Std() / 2,
		ConfirmTimeout: cfg.ConfirmTimeout.Std(),
	}
	if cfg.TokenAddress != "" {
		c.Token = common.HexToAddress(cfg.TokenAddress)
	}
	return c
}

// EVMAdapter is the ChainAdapter for EVM chains with a ZetaConnector.
type EVMAdapter struct {
	cfg       EVMConfig
	backend   Backend
	key       *ecdsa.PrivateKey
	from      common.Address
	connector *bind.BoundContract
	token     *bind.BoundContract
	logger    log.Logger

	// nonceLock serializes nonce selection and broadcast.
	nonceLock sync.Mutex
}

var _ ChainAdapter = (*EVMAdapter)(nil)

// NewEVMAdapter builds an adapter. key may be nil for a read-only adapter.
func NewEVMAdapter(cfg EVMConfig, backend Backend, key *ecdsa.PrivateKey, logger log.Logger) *EVMAdapter {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultTxGasLimit
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = DefaultReceiptPoll
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Minute
	}

	a := &EVMAdapter{
		cfg:       cfg,
		backend:   backend,
		key:       key,
		connector: bind.NewBoundContract(cfg.Connector, connectorABI, backend, backend, backend),
		logger:    logger.With("module", "chain", "chain", cfg.Name),
	}
	if key != nil {
		a.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if cfg.Token != (common.Address{}) {
		a.token = bind.NewBoundContract(cfg.Token, tokenABI, backend, backend, backend)
	}

	return a
}

func (a *EVMAdapter) Name() string {
	return a.cfg.Name
}

func (a *EVMAdapter) ChainID() int64 {
	return a.cfg.ChainID
}

// Address is the signer address, zero for read-only adapters.
func (a *EVMAdapter) Address() common.Address {
	return a.from
}

func (a *EVMAdapter) Submit(ctx context.Context, op types.Operation) (types.LocalReceipt, error) {
	start := time.Now()
	receipt, err := a.submit(ctx, op)
	metrics.MeasureSinceWithLabels([]string{"chain", "submit"}, start, []metrics.Label{
		{Name: "chain", Value: a.cfg.Name},
		{Name: "ok", Value: boolLabel(err == nil)},
	})
	if err != nil {
		a.logger.Error("submission failed", "op", op, "err", err)
		return types.LocalReceipt{}, types.ErrSubmission.Wrapf("%s: %v", a.cfg.Name, err)
	}

	a.logger.Info("submission confirmed", "op", op, "tx", receipt.TxHash, "height", receipt.BlockHeight, "nonce", receipt.Nonce)
	return receipt, nil
}

func (a *EVMAdapter) submit(ctx context.Context, op types.Operation) (types.LocalReceipt, error) {
	if a.key == nil {
		return types.LocalReceipt{}, errors.New("no signer configured")
	}
	if err := op.ValidateBasic(); err != nil {
		return types.LocalReceipt{}, err
	}
	if op.SourceChain != a.cfg.Name {
		return types.LocalReceipt{}, errors.Errorf("operation source %s submitted to %s", op.SourceChain, a.cfg.Name)
	}
	if op.DestinationChainID == 0 {
		return types.LocalReceipt{}, errors.New("destination chain id is not resolved")
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()

	destination := op.DestinationAddress
	if len(destination) == 0 {
		destination = a.from.Bytes()
	}
	gasLimit := op.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultDestinationGasLimit
	}
	input := sendInput{
		DestinationChainId: big.NewInt(op.DestinationChainID),
		DestinationAddress: destination,
		GasLimit:           new(big.Int).SetUint64(gasLimit),
		Message:            op.Payload,
		ZetaAmount:         op.Amount.BigInt(),
		ZetaParams:         []byte{},
	}

	tx, err := a.transact(ctx, a.connector, func(pending uint64) uint64 {
		return selectNonce(op, pending)
	}, "send", input)
	if err != nil {
		return types.LocalReceipt{}, err
	}
	a.logger.Debug("broadcast send", "tx", tx.Hash().Hex(), "nonce", tx.Nonce(), "gas_price", tx.GasPrice())

	receipt, err := a.waitIncluded(ctx, tx)
	if err != nil {
		return types.LocalReceipt{}, err
	}

	return types.LocalReceipt{
		Chain:       a.cfg.Name,
		TxHash:      tx.Hash().Hex(),
		BlockHeight: receipt.BlockNumber.Uint64(),
		LogIndex:    sendLogIndex(receipt),
		Nonce:       tx.Nonce(),
	}, nil
}

// selectNonce applies the operation's nonce policy to the pending nonce.
func selectNonce(op types.Operation, pending uint64) uint64 {
	switch {
	case op.Nonce != nil:
		return *op.Nonce
	case op.IncrementNonce:
		return pending + 1
	default:
		return pending
	}
}

// transact selects a nonce, prices, signs and broadcasts one call while
// holding the nonce lock.
func (a *EVMAdapter) transact(ctx context.Context, contract *bind.BoundContract, nonceFn func(uint64) uint64, method string, params ...interface{}) (*ethtypes.Transaction, error) {
	a.nonceLock.Lock()
	defer a.nonceLock.Unlock()

	pending, err := a.backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pending nonce")
	}

	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to suggest gas price")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(a.key, big.NewInt(a.cfg.ChainID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create transactor")
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonceFn(pending))
	opts.GasPrice = gasPrice
	opts.GasLimit = a.cfg.GasLimit

	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to broadcast %s", method)
	}

	return tx, nil
}

// waitIncluded blocks until tx has a successful receipt buried under the
// configured confirmations.
func (a *EVMAdapter) waitIncluded(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(a.cfg.ReceiptPoll)
	defer ticker.Stop()

	var receipt *ethtypes.Receipt
	for receipt == nil {
		r, err := a.backend.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && r != nil:
			receipt = r
			continue
		case err != nil && !errors.Is(err, ethereum.NotFound):
			a.logger.Debug("receipt not available", "tx", tx.Hash().Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for %s", tx.Hash().Hex())
		case <-ticker.C:
		}
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, errors.Errorf("transaction %s reverted in block %d", tx.Hash().Hex(), receipt.BlockNumber)
	}

	target := receipt.BlockNumber.Uint64() + a.cfg.Confirmations - 1
	for {
		head, err := a.BlockNumber(ctx)
		if err == nil && head >= target {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for %d confirmations of %s", a.cfg.Confirmations, tx.Hash().Hex())
		case <-ticker.C:
		}
	}
}

// sendLogIndex is the index of the ZetaSent log, or of the first log when the
// event is absent.
func sendLogIndex(receipt *ethtypes.Receipt) uint {
	for _, l := range receipt.Logs {
		if len(l.Topics) > 0 && l.Topics[0] == zetaSentTopic {
			return l.Index
		}
	}
	if len(receipt.Logs) > 0 {
		return receipt.Logs[0].Index
	}
	return 0
}

func (a *EVMAdapter) CurrentNonce(ctx context.Context, account string) (uint64, error) {
	if !common.IsHexAddress(account) {
		return 0, errors.Errorf("invalid account %q", account)
	}
	return a.backend.PendingNonceAt(ctx, common.HexToAddress(account))
}

func (a *EVMAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	header, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read latest header")
	}
	return header.Number.Uint64(), nil
}

// Allowance returns how much of the signer's token the connector may spend.
func (a *EVMAdapter) Allowance(ctx context.Context) (sdkmath.Int, error) {
	if a.token == nil {
		return sdkmath.Int{}, types.ErrInvalidConfig.Wrapf("%s: token_address is not configured", a.cfg.Name)
	}
	if a.key == nil {
		return sdkmath.Int{}, errors.New("no signer configured")
	}

	var out []interface{}
	if err := a.token.Call(&bind.CallOpts{Context: ctx, From: a.from}, &out, "allowance", a.from, a.cfg.Connector); err != nil {
		return sdkmath.Int{}, errors.Wrap(err, "failed to call allowance")
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return sdkmath.Int{}, errors.Errorf("unexpected allowance type %T", out[0])
	}

	return sdkmath.NewIntFromBigInt(value), nil
}

// Approve lets the connector spend amount of the signer's token and waits for
// the approval to be confirmed. Submit never does this on its own.
func (a *EVMAdapter) Approve(ctx context.Context, amount sdkmath.Int) (types.LocalReceipt, error) {
	if a.token == nil {
		return types.LocalReceipt{}, types.ErrInvalidConfig.Wrapf("%s: token_address is not configured", a.cfg.Name)
	}
	if a.key == nil {
		return types.LocalReceipt{}, types.ErrSubmission.Wrapf("%s: no signer configured", a.cfg.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()

	tx, err := a.transact(ctx, a.token, func(pending uint64) uint64 { return pending }, "approve", a.cfg.Connector, amount.BigInt())
	if err != nil {
		return types.LocalReceipt{}, types.ErrSubmission.Wrapf("%s: %v", a.cfg.Name, err)
	}

	receipt, err := a.waitIncluded(ctx, tx)
	if err != nil {
		return types.LocalReceipt{}, types.ErrSubmission.Wrapf("%s: %v", a.cfg.Name, err)
	}

	a.logger.Info("approval confirmed", "amount", amount, "tx", tx.Hash().Hex())
	return types.LocalReceipt{
		Chain:       a.cfg.Name,
		TxHash:      tx.Hash().Hex(),
		BlockHeight: receipt.BlockNumber.Uint64(),
		Nonce:       tx.Nonce(),
	}, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
