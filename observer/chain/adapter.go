package chain

import (
	"context"

	"github.com/GPTx-global/xobserver/observer/types"
)

// ChainAdapter submits operations on one source chain.
type ChainAdapter interface {
	Name() string
	ChainID() int64

	// Submit sends op through the chain's connector and blocks until the
	// transaction is included and buried under the configured confirmations.
	// Every failure is wrapped in types.ErrSubmission and never retried.
	Submit(ctx context.Context, op types.Operation) (types.LocalReceipt, error)

	// CurrentNonce returns the pending nonce of account.
	CurrentNonce(ctx context.Context, account string) (uint64, error)

	BlockNumber(ctx context.Context) (uint64, error)
}
