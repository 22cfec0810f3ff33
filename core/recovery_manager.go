package core

import (
	"context"
	"sync"
)

// FallbackHandler produces a substitute value/error for a failure of a
// particular ErrorKind, letting a caller degrade gracefully instead of
// propagating the error.
type FallbackHandler func(ctx context.Context, err error) (any, error)

// RecoveryStrategy bundles a RetryConfig and CircuitBreakerConfig under
// a name, selectable per call via RecoveryManager.CallWithStrategy.
type RecoveryStrategy struct {
	Name    string
	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

// RecoveryStatus reports a RecoveryManager's live configuration, used by
// the debug surface.
type RecoveryStatus struct {
	DefaultRetry  RetryConfig
	BreakerState  BreakerState
	Handlers      []ErrorKind
	StrategyNames []string
}

// RecoveryManager composes a RetryManager and CircuitBreaker (the retry
// manager retries calls the breaker gates), plus custom per-error-kind
// fallback handlers and named alternative strategies.
type RecoveryManager struct {
	mu         sync.RWMutex
	retry      *RetryManager
	breaker    *CircuitBreaker
	handlers   map[ErrorKind]FallbackHandler
	strategies map[string]RecoveryStrategy
}

// NewRecoveryManager builds a manager with the given default retry and
// breaker configuration.
func NewRecoveryManager(retryCfg RetryConfig, breakerCfg CircuitBreakerConfig) *RecoveryManager {
	return &RecoveryManager{
		retry:      NewRetryManager(retryCfg),
		breaker:    NewCircuitBreaker(breakerCfg),
		handlers:   map[ErrorKind]FallbackHandler{},
		strategies: map[string]RecoveryStrategy{},
	}
}

// RegisterHandler installs a fallback for errors of kind.
func (m *RecoveryManager) RegisterHandler(kind ErrorKind, h FallbackHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
}

// RegisterStrategy installs a named alternative retry/breaker pairing,
// usable via CallWithStrategy.
func (m *RecoveryManager) RegisterStrategy(s RecoveryStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.Name] = s
}

// Call runs fn through the breaker, retrying per the default strategy,
// and falls back to a registered handler if the final error's kind has
// one.
func (m *RecoveryManager) Call(ctx context.Context, fn func(ctx context.Context) error) (any, error) {
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.breaker.Call(ctx, fn)
	})
	return m.resolve(ctx, err)
}

// CallWithStrategy runs fn through the named strategy's own retry and
// breaker configuration instead of the manager's default.
func (m *RecoveryManager) CallWithStrategy(ctx context.Context, name string, fn func(ctx context.Context) error) (any, error) {
	m.mu.RLock()
	s, ok := m.strategies[name]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrConfig, "unknown recovery strategy "+name)
	}
	rm := NewRetryManager(s.Retry)
	cb := NewCircuitBreaker(s.Breaker)
	err := rm.Do(ctx, func(ctx context.Context) error {
		return cb.Call(ctx, fn)
	})
	return m.resolve(ctx, err)
}

func (m *RecoveryManager) resolve(ctx context.Context, err error) (any, error) {
	if err == nil {
		return nil, nil
	}
	kind, ok := ErrorKindOf(err)
	if !ok {
		return nil, err
	}
	m.mu.RLock()
	h, ok := m.handlers[kind]
	m.mu.RUnlock()
	if !ok {
		return nil, err
	}
	return h(ctx, err)
}

// Status reports the manager's current configuration and breaker state,
// for the debug surface.
func (m *RecoveryManager) Status() RecoveryStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]ErrorKind, 0, len(m.handlers))
	for k := range m.handlers {
		kinds = append(kinds, k)
	}
	names := make([]string, 0, len(m.strategies))
	for n := range m.strategies {
		names = append(names, n)
	}
	return RecoveryStatus{
		DefaultRetry:  m.retry.cfg,
		BreakerState:  m.breaker.State(),
		Handlers:      kinds,
		StrategyNames: names,
	}
}
