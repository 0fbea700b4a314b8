package blockalloc

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

var errExhausted = errors.New("blockalloc: no run satisfies the request")

// allocBreaker wraps the engine's Allocate in a circuit breaker. Best-
// and worst-fit strategies pay a full O(mem_size_blocks) / O(N) sweep
// on every call; under a sustained exhaustion storm (caller keeps
// retrying a size nothing can satisfy) that sweep cost is paid over
// and over for a result that won't change until a Free happens. Once
// five consecutive Allocate calls come back exhausted, the breaker
// opens for a short cooldown and Allocate fails fast instead.
//
// This trades away determinism for that cooldown window: while open,
// Allocate can return (0, false) even though a policy-compatible run
// exists again (e.g. a Free just landed), so Config.BreakerEnabled
// defaults to false and every engine's own allocate/free stays
// order-only. Turn it on only for callers that would rather fail fast
// than pay repeated sweep cost during sustained exhaustion.
type allocBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newAllocBreaker(name string) *allocBreaker {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &allocBreaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// guard runs attempt through the breaker. attempt must return a
// block index and true on success; guard reports (0, false) both when
// attempt itself reports exhaustion and when the breaker is open.
func (b *allocBreaker) guard(attempt func() (uint64, bool)) (uint64, bool) {
	if b == nil {
		return attempt()
	}
	result, err := b.cb.Execute(func() (interface{}, error) {
		idx, ok := attempt()
		if !ok {
			return uint64(0), errExhausted
		}
		return idx, nil
	})
	if err != nil {
		return 0, false
	}
	return result.(uint64), true
}
