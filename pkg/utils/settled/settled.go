// Package settled runs independent operations to completion and reports every failure together.
package settled

import (
	"fmt"
	"strings"
	"sync"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) Fulfilled() bool {
	return r.Err == nil
}

// Settle runs fns concurrently and waits for all of them. Results keep the order of fns;
// a nil fn settles as fulfilled with the zero value.
func Settle[T any](fns ...func() (T, error)) []Result[T] {
	results := make([]Result[T], len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		if fn == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					results[i].Err = fmt.Errorf("panic: %v", rec)
				}
			}()
			results[i].Value, results[i].Err = fn()
		}()
	}
	wg.Wait()
	return results
}

// SettleErrors is Settle for operations without a value.
func SettleErrors(fns ...func() error) []Result[struct{}] {
	wrapped := make([]func() (struct{}, error), len(fns))
	for i, fn := range fns {
		if fn == nil {
			continue
		}
		wrapped[i] = func() (struct{}, error) { return struct{}{}, fn() }
	}
	return Settle(wrapped...)
}

// FormatErrors lists every rejected result by index, or returns "" when all are fulfilled.
func FormatErrors[T any](results []Result[T]) string {
	var b strings.Builder
	for i, r := range results {
		if r.Err == nil {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("errors:\n")
		}
		fmt.Fprintf(&b, "\n[%d]: %v", i, r.Err)
	}
	return b.String()
}

// Evaluate returns the values in order, or an aggregate of every error when any result is rejected.
func Evaluate[T any](results []Result[T]) ([]T, error) {
	var errs []error
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			continue
		}
		values = append(values, r.Value)
	}
	if len(errs) > 0 {
		return nil, &settledError{Aggregate: utilerrors.NewAggregate(errs), message: FormatErrors(results)}
	}
	return values, nil
}

type settledError struct {
	utilerrors.Aggregate
	message string
}

func (e *settledError) Error() string {
	return e.message
}
