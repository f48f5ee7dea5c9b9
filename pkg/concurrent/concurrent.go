package concurrent

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every item on at most workers goroutines and
// waits for all of them. Unlike errgroup it does not stop at the first
// failure: every error is collected and the joined result returned.
// workers <= 0 means one goroutine per item.
func ForEach[T any](items []T, workers int, action func(T) error) error {
	var (
		mu      sync.Mutex
		errList []error
	)

	g := errgroup.Group{}
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, item := range items {
		g.Go(func() error {
			if err := action(item); err != nil {
				mu.Lock()
				errList = append(errList, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errList...)
}

// Count runs pred for every item on at most workers goroutines and returns
// how many items it held for.
func Count[T any](items []T, workers int, pred func(T) bool) int {
	var n atomic.Int64

	g := errgroup.Group{}
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, item := range items {
		g.Go(func() error {
			if pred(item) {
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(n.Load())
}
