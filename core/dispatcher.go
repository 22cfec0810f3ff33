package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReducerTransport is the narrow seam the dispatcher needs from the
// connection layer: transmit a correlated reducer call. Responses arrive
// out of band and are demultiplexed via HandleResponse.
type ReducerTransport interface {
	SendReducerCall(ctx context.Context, requestID, name string, args any) error
}

// ReducerResult is what a reducer call resolves to: success/failure,
// tagged, never raised as an error by the default Call path.
type ReducerResult struct {
	RequestID string
	Name      string
	Success   bool
	Payload   any
	Err       error
}

// PendingReducer is one in-flight call's bookkeeping tuple: request id,
// reducer name, deadline, and current status.
type PendingReducer struct {
	RequestID string
	Name      string
	Deadline  time.Time
	Status    PendingReducerStatus
}

type pendingEntry struct {
	req      PendingReducer
	resultCh chan ReducerResult
}

// ReducerDispatcher correlates reducer requests with responses, retrying
// retryable server errors and transport timeouts up to MaxAttempts with
// exponential backoff.
type ReducerDispatcher struct {
	transport   ReducerTransport
	retry       *RetryManager
	bus         *EventBus
	metrics     *Metrics
	gracePeriod time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewReducerDispatcher builds a dispatcher sending calls through
// transport. gracePeriod controls how long a timed-out call's pending
// entry is kept so a late response can be logged and discarded instead
// of misdelivered.
func NewReducerDispatcher(transport ReducerTransport, bus *EventBus, metrics *Metrics, gracePeriod time.Duration) *ReducerDispatcher {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &ReducerDispatcher{
		transport:   transport,
		retry:       NewRetryManager(DefaultRetryConfig()),
		bus:         bus,
		metrics:     metrics,
		gracePeriod: gracePeriod,
		pending:     map[string]*pendingEntry{},
	}
}

// Pending returns a snapshot of every in-flight call's bookkeeping tuple,
// for the debug surface.
func (d *ReducerDispatcher) Pending() []PendingReducer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PendingReducer, 0, len(d.pending))
	for _, e := range d.pending {
		out = append(out, e.req)
	}
	return out
}

func (d *ReducerDispatcher) publish(kind EventKind, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(NewEvent(kind, PriorityNormal, "reducer_dispatcher", data))
}

func (d *ReducerDispatcher) observe(name, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.reducerCalls.WithLabelValues(name, outcome).Inc()
}

// Call transmits a reducer invocation and waits for its response (or
// timeout), retrying per the configured policy. It does not raise an
// error for a server-reported failure; callers must inspect
// ReducerResult.Success.
func (d *ReducerDispatcher) Call(ctx context.Context, name string, args any, timeout time.Duration) (ReducerResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	for attempt := 1; ; attempt++ {
		res, err := d.attempt(ctx, name, args, timeout)
		if err == nil {
			d.observe(name, "success")
			return res, nil
		}
		if !d.retry.ShouldRetry(err, attempt) {
			d.observe(name, "failure")
			return res, err
		}
		select {
		case <-ctx.Done():
			return ReducerResult{}, WrapError(ErrDeadlineExceeded, "reducer call cancelled during retry wait", ctx.Err())
		case <-time.After(d.retry.Delay(attempt)):
		}
	}
}

func (d *ReducerDispatcher) attempt(ctx context.Context, name string, args any, timeout time.Duration) (ReducerResult, error) {
	requestID := uuid.NewString()
	deadline := time.Now().Add(timeout)
	entry := &pendingEntry{
		req:      PendingReducer{RequestID: requestID, Name: name, Deadline: deadline, Status: ReducerPending},
		resultCh: make(chan ReducerResult, 1),
	}
	d.mu.Lock()
	d.pending[requestID] = entry
	d.mu.Unlock()

	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := d.transport.SendReducerCall(callCtx, requestID, name, args); err != nil {
		d.finish(requestID, ReducerTimeout)
		return ReducerResult{RequestID: requestID, Name: name}, WrapError(ErrServerUnavailable, "send reducer call", err)
	}

	select {
	case res := <-entry.resultCh:
		d.finishStatus(requestID, res)
		if !res.Success {
			if res.Err != nil {
				return res, res.Err
			}
			return res, NewError(ErrGameState, "reducer "+name+" reported failure")
		}
		return res, nil
	case <-callCtx.Done():
		d.expireAfterGrace(requestID)
		return ReducerResult{RequestID: requestID, Name: name}, WrapError(ErrTimeout, "reducer call timed out", callCtx.Err())
	}
}

func (d *ReducerDispatcher) finishStatus(requestID string, res ReducerResult) {
	status := ReducerSuccess
	if !res.Success {
		status = ReducerFailed
	}
	d.finish(requestID, status)
}

func (d *ReducerDispatcher) finish(requestID string, status PendingReducerStatus) {
	d.mu.Lock()
	e, ok := d.pending[requestID]
	if ok {
		e.req.Status = status
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
}

// expireAfterGrace marks requestID Timeout and keeps it around for the
// configured grace period so a late HandleResponse can be logged and
// discarded, rather than delivered to a caller who has already moved on.
func (d *ReducerDispatcher) expireAfterGrace(requestID string) {
	d.mu.Lock()
	if e, ok := d.pending[requestID]; ok {
		e.req.Status = ReducerTimeout
	}
	d.mu.Unlock()
	time.AfterFunc(d.gracePeriod, func() {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
	})
}

// CallStrict behaves like Call but returns the payload directly and
// raises an error for a server-reported failure instead of requiring the
// caller to inspect a result struct.
func (d *ReducerDispatcher) CallStrict(ctx context.Context, name string, args any, timeout time.Duration) (any, error) {
	res, err := d.Call(ctx, name, args, timeout)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// CallSafe behaves like Call but swallows every error, returning nil
// instead — for call sites that only care about the happy path.
func (d *ReducerDispatcher) CallSafe(ctx context.Context, name string, args any, timeout time.Duration) any {
	res, err := d.Call(ctx, name, args, timeout)
	if err != nil {
		return nil
	}
	return res.Payload
}

// Cancel transitions requestID to Cancelled and suppresses any
// subsequent response delivery; a caller blocked in Call receives a
// Cancelled result.
func (d *ReducerDispatcher) Cancel(requestID string) error {
	d.mu.Lock()
	e, ok := d.pending[requestID]
	if !ok {
		d.mu.Unlock()
		return NewError(ErrCancelled, "no pending reducer call "+requestID)
	}
	e.req.Status = ReducerCancelled
	d.mu.Unlock()
	select {
	case e.resultCh <- ReducerResult{RequestID: requestID, Name: e.req.Name, Success: false, Err: NewError(ErrCancelled, "reducer call cancelled")}:
	default:
	}
	return nil
}

// HandleResponse demultiplexes a server-sent ReducerResponse onto the
// waiting Call, if any. A response for an unknown or already-finished
// request id is logged and discarded rather than misdelivered (the late-
// response grace period).
func (d *ReducerDispatcher) HandleResponse(requestID string, success bool, payload any, serverErr error) {
	d.mu.Lock()
	e, ok := d.pending[requestID]
	if ok && e.req.Status != ReducerPending {
		// Timed-out or cancelled entry held for the grace period: log
		// and discard rather than deliver to a caller who moved on.
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		packageLogger.WithField("request_id", requestID).Debug("reducer response for unknown/expired request, discarding")
		return
	}
	res := ReducerResult{RequestID: requestID, Name: e.req.Name, Success: success, Payload: payload, Err: serverErr}
	select {
	case e.resultCh <- res:
	default:
	}
}
