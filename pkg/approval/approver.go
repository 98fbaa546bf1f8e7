package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/wardlabs/toolgate/pkg/policy"
)

// Binding is the triple an approval response must echo exactly to be
// honored. Any mismatch is treated as denial by the engine.
type Binding struct {
	RequestID    string
	PolicyHash   string
	DecisionHash string
}

// Response from an approver. A nil Binding means the approver did not echo
// one and the engine falls back to the binding it issued.
type Response struct {
	Approved   bool
	ApproverID *string
	Binding    *Binding
}

// Approver waits for a human-in-the-loop decision on one guarded call. The
// pending record is already persisted before Approve is called.
type Approver interface {
	Approve(ctx context.Context, req policy.Request, result policy.Result, requestID string) (Response, error)
}

// PollingApprover waits by polling a Store at a fixed interval, yielding
// between polls via the context. No goroutine or thread is held per waiter
// beyond the caller's own, so many logical waiters can share few threads.
// The local timeout is enforced independently of the store TTL as defense in
// depth; on timeout it returns a *TimeoutError without resolving the record
// (the engine owns driving the record to expired).
type PollingApprover struct {
	store        Store
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

// NewPollingApprover polls store every pollInterval for at most timeout.
// Non-positive arguments fall back to 2s polling and the default TTL.
func NewPollingApprover(store Store, pollInterval, timeout time.Duration, logger *slog.Logger) *PollingApprover {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingApprover{store: store, pollInterval: pollInterval, timeout: timeout, logger: logger}
}

// Approve implements Approver.
func (a *PollingApprover) Approve(ctx context.Context, req policy.Request, result policy.Result, requestID string) (Response, error) {
	deadline := time.Now().Add(a.timeout)
	timer := time.NewTimer(a.pollInterval)
	defer timer.Stop()

	for {
		record, err := a.store.Fetch(ctx, requestID)
		if err != nil {
			return Response{}, err
		}
		if record == nil {
			// No record means nothing was ever pending: denied.
			return Response{Approved: false}, nil
		}

		switch record.State {
		case StateApproved:
			return Response{
				Approved:   true,
				ApproverID: record.ApproverID,
				Binding: &Binding{
					RequestID:    requestID,
					PolicyHash:   record.PolicyHash,
					DecisionHash: record.DecisionHash,
				},
			}, nil
		case StateDenied, StateExpired, StateFailed:
			return Response{Approved: false, ApproverID: record.ApproverID}, nil
		case StatePending:
			// Keep waiting below.
		default:
			a.logger.Warn("unknown approval state, treating as denied",
				"request_id", requestID, "state", string(record.State))
			return Response{Approved: false}, nil
		}

		if time.Now().After(deadline) {
			return Response{}, &TimeoutError{RequestID: requestID, Waited: a.timeout}
		}
		timer.Reset(a.pollInterval)
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// StaticApprover immediately returns a fixed verdict. Test double.
type StaticApprover struct {
	Approved   bool
	ApproverID *string
}

// Approve implements Approver.
func (a StaticApprover) Approve(ctx context.Context, req policy.Request, result policy.Result, requestID string) (Response, error) {
	return Response{Approved: a.Approved, ApproverID: a.ApproverID}, nil
}
