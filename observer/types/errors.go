package types

import (
	errorsmod "cosmossdk.io/errors"
)

// Codespace is the error codespace of the observer.
const Codespace = "xobserver"

// errors
var (
	ErrSubmission       = errorsmod.Register(Codespace, 2, "submission failed")
	ErrTransport        = errorsmod.Register(Codespace, 3, "oracle transport error")
	ErrProtocol         = errorsmod.Register(Codespace, 4, "oracle protocol error")
	ErrObservedFailed   = errorsmod.Register(Codespace, 5, "cross-chain record failed")
	ErrTimeout          = errorsmod.Register(Codespace, 6, "poll budget exhausted")
	ErrCancelled        = errorsmod.Register(Codespace, 7, "observation cancelled")
	ErrInvalidKey       = errorsmod.Register(Codespace, 8, "invalid observation key")
	ErrDuplicateKey     = errorsmod.Register(Codespace, 9, "observation key already in flight")
	ErrUnknownChain     = errorsmod.Register(Codespace, 10, "unknown chain")
	ErrInvalidOperation = errorsmod.Register(Codespace, 11, "invalid operation")
	ErrInvalidConfig    = errorsmod.Register(Codespace, 12, "invalid config")
)

// IsRetryable reports whether an error returned while polling may clear up on
// a later attempt. Only transport errors qualify.
func IsRetryable(err error) bool {
	return errorsmod.IsOf(err, ErrTransport)
}
