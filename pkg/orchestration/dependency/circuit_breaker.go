/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dependency wraps each external gateway call (reasoning, image
// generation, work tracker) in a circuit breaker so a failing upstream
// cannot cascade retries across the whole iteration loop.
package dependency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitState mirrors gobreaker's three states under agent-domain names.
type CircuitState int

const (
	CircuitStateClosed CircuitState = iota
	CircuitStateHalfOpen
	CircuitStateOpen
)

const minRequestsForTrip = 5

// CircuitBreaker fails fast once the failure rate of a named dependency
// crosses a threshold, and probes for recovery after resetTimeout.
type CircuitBreaker struct {
	name           string
	failureThresh  float64
	resetTimeout   time.Duration
	breaker        *gobreaker.CircuitBreaker

	mu       sync.Mutex
	requests int64
	failures int64
}

// NewCircuitBreaker builds a circuit breaker named name that opens once the
// failure rate over its observed requests reaches failureThreshold (with a
// minimum request floor to avoid tripping on one unlucky call), staying open
// for resetTimeout before probing again.
func NewCircuitBreaker(name string, failureThreshold float64, resetTimeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          name,
		failureThresh: failureThreshold,
		resetTimeout:  resetTimeout,
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequestsForTrip {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				cb.mu.Lock()
				cb.requests = 0
				cb.failures = 0
				cb.mu.Unlock()
			}
		},
	}
	cb.breaker = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// Call executes fn through the breaker, rejecting immediately when open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := cb.breaker.Execute(func() (any, error) {
		cb.mu.Lock()
		cb.requests++
		cb.mu.Unlock()
		callErr := fn()
		if callErr != nil {
			cb.mu.Lock()
			cb.failures++
			cb.mu.Unlock()
		}
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("circuit breaker is open for %s", cb.name)
	}
	return err
}

func (cb *CircuitBreaker) GetState() CircuitState {
	switch cb.breaker.State() {
	case gobreaker.StateOpen:
		return CircuitStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitStateHalfOpen
	default:
		return CircuitStateClosed
	}
}

func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

func (cb *CircuitBreaker) GetFailureThreshold() float64 {
	return cb.failureThresh
}

func (cb *CircuitBreaker) GetResetTimeout() time.Duration {
	return cb.resetTimeout
}

func (cb *CircuitBreaker) GetFailures() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) GetFailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.requests == 0 {
		return 0.0
	}
	return float64(cb.failures) / float64(cb.requests)
}
