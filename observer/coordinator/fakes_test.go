package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/GPTx-global/xobserver/observer/types"
)

type fetchStep struct {
	record *types.ObservationRecord
	err    error
}

func notFound() fetchStep {
	return fetchStep{}
}

func status(s types.Status) fetchStep {
	return fetchStep{record: &types.ObservationRecord{Status: s}}
}

func transportErr() fetchStep {
	return fetchStep{err: types.ErrTransport.Wrap("connection refused")}
}

func protocolErr() fetchStep {
	return fetchStep{err: types.ErrProtocol.Wrap("unknown status \"Teleported\"")}
}

// fakeOracle answers each key from a script; the last step repeats. Every call
// is recorded, including ones made with a cancelled context.
type fakeOracle struct {
	mu      sync.Mutex
	scripts map[string][]fetchStep
	fetches map[string][]time.Time
	// during runs after the request is sent and before it is answered.
	during func()
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		scripts: make(map[string][]fetchStep),
		fetches: make(map[string][]time.Time),
	}
}

func (f *fakeOracle) script(key types.ObservationKey, steps ...fetchStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key.Normalize().String()] = steps
}

func (f *fakeOracle) count(key types.ObservationKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches[key.Normalize().String()])
}

func (f *fakeOracle) Fetch(ctx context.Context, key types.ObservationKey) (*types.ObservationRecord, error) {
	f.mu.Lock()
	name := key.String()
	n := len(f.fetches[name])
	f.fetches[name] = append(f.fetches[name], time.Now())
	script := f.scripts[name]
	during := f.during
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, types.ErrTransport.Wrap(err.Error())
	}
	if during != nil {
		during()
	}

	if len(script) == 0 {
		return nil, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}

	step := script[n]
	if step.record == nil {
		return nil, step.err
	}
	record := *step.record
	record.Key = key
	return &record, step.err
}

func (f *fakeOracle) Probe(context.Context) error {
	return nil
}

// fakeAdapter confirms every submission instantly with a derived hash.
type fakeAdapter struct {
	name string
	id   int64
	err  error

	mu        sync.Mutex
	submitted []types.Operation
	ctxErrs   []error
}

func (a *fakeAdapter) Name() string   { return a.name }
func (a *fakeAdapter) ChainID() int64 { return a.id }

func (a *fakeAdapter) Submit(ctx context.Context, op types.Operation) (types.LocalReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctxErrs = append(a.ctxErrs, ctx.Err())
	if a.err != nil {
		return types.LocalReceipt{}, a.err
	}
	a.submitted = append(a.submitted, op)
	n := uint64(len(a.submitted))

	return types.LocalReceipt{
		Chain:       a.name,
		TxHash:      hashFor(a.name, n),
		BlockHeight: 100 + n,
		Nonce:       n - 1,
	}, nil
}

func (a *fakeAdapter) CurrentNonce(context.Context, string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.submitted)), nil
}

func (a *fakeAdapter) BlockNumber(context.Context) (uint64, error) {
	return 100, nil
}

func (a *fakeAdapter) operations() []types.Operation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Operation(nil), a.submitted...)
}

// hashFor is the tx hash the fake adapter returns for its nth submission.
func hashFor(chain string, n uint64) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", chain, n))).Hex()
}

func keyOf(seed string) types.ObservationKey {
	return types.InboundKey(crypto.Keccak256Hash([]byte(seed)).Hex())
}

var errRejected = errors.New("insufficient funds for gas * price + value")
