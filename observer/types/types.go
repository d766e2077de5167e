package types

import (
	"fmt"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Operation is a request to move value and a message from a source chain to a
// destination chain. It is passed by value and never modified after Submit.
type Operation struct {
	SourceChain        string
	DestinationChain   string
	DestinationChainID int64
	DestinationAddress []byte
	Payload            []byte
	Amount             sdkmath.Int
	GasLimit           uint64
	Nonce              *uint64
	IncrementNonce     bool
}

// ValidateBasic checks the fields that do not need chain configuration.
func (op Operation) ValidateBasic() error {
	if op.SourceChain == "" {
		return ErrInvalidOperation.Wrap("source chain is required")
	}
	if op.DestinationChain == "" {
		return ErrInvalidOperation.Wrap("destination chain is required")
	}
	if op.SourceChain == op.DestinationChain {
		return ErrInvalidOperation.Wrapf("source and destination are both %s", op.SourceChain)
	}
	if op.Amount.IsNil() || op.Amount.IsNegative() {
		return ErrInvalidOperation.Wrap("amount must be a non-negative integer")
	}
	if op.Nonce != nil && op.IncrementNonce {
		return ErrInvalidOperation.Wrap("explicit nonce and increment-nonce are mutually exclusive")
	}

	return nil
}

func (op Operation) String() string {
	return fmt.Sprintf("%s->%s amount=%s", op.SourceChain, op.DestinationChain, op.Amount)
}

// LocalReceipt is the result of a confirmed submission on the source chain.
type LocalReceipt struct {
	Chain       string
	TxHash      string
	BlockHeight uint64
	LogIndex    uint
	Nonce       uint64
}

type KeyKind byte

const (
	// KeyInbound looks a record up by the source transaction hash.
	KeyInbound KeyKind = iota
	// KeyIndex looks a record up by the index the indexing chain assigned to it.
	KeyIndex
)

func (k KeyKind) String() string {
	switch k {
	case KeyInbound:
		return "inbound"
	case KeyIndex:
		return "index"
	default:
		return fmt.Sprintf("KeyKind(%d)", byte(k))
	}
}

// ObservationKey identifies a record on the status oracle.
type ObservationKey struct {
	Kind  KeyKind
	Value string
}

func InboundKey(txHash string) ObservationKey {
	return ObservationKey{Kind: KeyInbound, Value: txHash}
}

func IndexKey(index string) ObservationKey {
	return ObservationKey{Kind: KeyIndex, Value: index}
}

// KeyFromReceipt derives the lookup key from a local receipt.
func KeyFromReceipt(r LocalReceipt) ObservationKey {
	return InboundKey(r.TxHash)
}

// Validate reports malformed keys. Both kinds are 0x-prefixed 32-byte hex.
func (k ObservationKey) Validate() error {
	if k.Kind != KeyInbound && k.Kind != KeyIndex {
		return ErrInvalidKey.Wrapf("unknown key kind %d", k.Kind)
	}

	b, err := hexutil.Decode(k.Value)
	if err != nil {
		return ErrInvalidKey.Wrapf("%q: %v", k.Value, err)
	}
	if len(b) != common.HashLength {
		return ErrInvalidKey.Wrapf("%q: expected %d bytes, got %d", k.Value, common.HashLength, len(b))
	}

	return nil
}

// Normalize returns the key with its value in canonical lower-case form.
// The key must be valid.
func (k ObservationKey) Normalize() ObservationKey {
	return ObservationKey{Kind: k.Kind, Value: common.HexToHash(k.Value).Hex()}
}

func (k ObservationKey) String() string {
	return k.Kind.String() + ":" + k.Value
}

type Status byte

const (
	StatusPending Status = iota
	StatusObserved
	StatusFinalized
	StatusFailed
)

var statusNames = map[Status]string{
	StatusPending:   "Pending",
	StatusObserved:  "Observed",
	StatusFinalized: "Finalized",
	StatusFailed:    "Failed",
}

// statusAliases maps the names the indexing chain reports onto Status.
var statusAliases = map[string]Status{
	"pending":         StatusPending,
	"created":         StatusPending,
	"pendinginbound":  StatusPending,
	"observed":        StatusObserved,
	"pendingoutbound": StatusObserved,
	"pendingrevert":   StatusObserved,
	"finalized":       StatusFinalized,
	"mined":           StatusFinalized,
	"outboundmined":   StatusFinalized,
	"failed":          StatusFailed,
	"reverted":        StatusFailed,
	"aborted":         StatusFailed,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", byte(s))
}

func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// ParseStatus maps an oracle status string onto Status. Unknown names are a
// protocol error: the oracle speaks a version this client does not know.
func ParseStatus(raw string) (Status, error) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(raw))
	if s, ok := statusAliases[normalized]; ok {
		return s, nil
	}
	return 0, ErrProtocol.Wrapf("unknown status %q", raw)
}

// ObservationRecord is the oracle's view of an operation's progress.
type ObservationRecord struct {
	Key           ObservationKey
	Index         string
	Status        Status
	SenderChain   string
	ReceiverChain string
	StatusMessage string
}

type Outcome byte

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "Success"
	}
	return "Failure"
}

type Reason byte

const (
	ReasonNone Reason = iota
	ReasonSubmissionError
	ReasonObservedFailed
	ReasonTimeout
	ReasonCancelled
	ReasonProtocolError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonSubmissionError:
		return "SubmissionError"
	case ReasonObservedFailed:
		return "ObservedFailed"
	case ReasonTimeout:
		return "Timeout"
	case ReasonCancelled:
		return "Cancelled"
	case ReasonProtocolError:
		return "ProtocolError"
	default:
		return fmt.Sprintf("Reason(%d)", byte(r))
	}
}

// Verdict is the final result of observing one operation or key.
type Verdict struct {
	Key      ObservationKey
	Outcome  Outcome
	Reason   Reason
	Record   *ObservationRecord
	Receipt  *LocalReceipt
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (v Verdict) Succeeded() bool {
	return v.Outcome == OutcomeSuccess
}

func (v Verdict) String() string {
	status := "none"
	if v.Record != nil {
		status = v.Record.Status.String()
	}
	s := fmt.Sprintf("%s %s reason=%s status=%s attempts=%d elapsed=%s",
		v.Key, v.Outcome, v.Reason, status, v.Attempts, v.Elapsed.Round(time.Millisecond))
	if v.Err != nil {
		s += " err=" + v.Err.Error()
	}
	return s
}
