package coordinator

import (
	"time"

	"github.com/GPTx-global/xobserver/observer/types"
)

// PollState is what one poll loop knows about its key between fetches.
type PollState struct {
	Key      types.ObservationKey
	Attempts int
	Elapsed  time.Duration
	LastSeen *types.ObservationRecord
	LastErr  error
}

// FetchResult is the outcome of one fetch. Record and Err both nil means
// NotFound. Elapsed is measured from the start of polling.
type FetchResult struct {
	Record  *types.ObservationRecord
	Err     error
	Elapsed time.Duration
}

type Budget struct {
	MaxAttempts int
	Deadline    time.Duration
}

// NextPollState folds one fetch into the state. A non-nil verdict means the
// loop is done; the state must not be advanced again afterwards.
func NextPollState(s PollState, res FetchResult, b Budget) (PollState, *types.Verdict) {
	s.Attempts++
	s.Elapsed = res.Elapsed

	switch {
	case res.Err != nil && !types.IsRetryable(res.Err):
		return s, verdict(s, types.OutcomeFailure, types.ReasonProtocolError, res.Err)

	case res.Err != nil:
		s.LastErr = res.Err

	case res.Record != nil:
		s.LastSeen = res.Record
		switch res.Record.Status {
		case types.StatusFinalized:
			return s, verdict(s, types.OutcomeSuccess, types.ReasonNone, nil)
		case types.StatusFailed:
			err := types.ErrObservedFailed.Wrapf("%s reported %s", res.Record.Key, res.Record.Status)
			if res.Record.StatusMessage != "" {
				err = types.ErrObservedFailed.Wrapf("%s reported %s: %s", res.Record.Key, res.Record.Status, res.Record.StatusMessage)
			}
			return s, verdict(s, types.OutcomeFailure, types.ReasonObservedFailed, err)
		}
	}

	if s.Attempts >= b.MaxAttempts || (b.Deadline > 0 && s.Elapsed >= b.Deadline) {
		err := types.ErrTimeout.Wrapf("%d attempts in %s", s.Attempts, s.Elapsed.Round(time.Millisecond))
		if s.LastErr != nil {
			err = types.ErrTimeout.Wrapf("%d attempts in %s, last error: %v", s.Attempts, s.Elapsed.Round(time.Millisecond), s.LastErr)
		}
		return s, verdict(s, types.OutcomeFailure, types.ReasonTimeout, err)
	}

	return s, nil
}

func verdict(s PollState, outcome types.Outcome, reason types.Reason, err error) *types.Verdict {
	return &types.Verdict{
		Key:      s.Key,
		Outcome:  outcome,
		Reason:   reason,
		Record:   s.LastSeen,
		Attempts: s.Attempts,
		Elapsed:  s.Elapsed,
		Err:      err,
	}
}
