// Package workerpool runs blocking venue calls on a fixed set of goroutines.
// The pool is an explicit resource: its owner creates it, hands it to the
// connectors that need it and closes it on shutdown.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const DefaultSize = 4

var ErrClosed = errors.New("worker pool closed")

type Pool struct {
	size int
	jobs chan func()
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		size: size,
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			job()
		}
	}
}

// Close stops accepting work and waits for running jobs to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on a pool worker and waits for its result. If ctx ends first,
// Do returns ctx.Err(); a job already running completes on its own and its
// result is discarded. A panic in fn is returned as an error.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if p == nil {
		return zero, ErrClosed
	}
	done := make(chan result[T], 1)
	job := func() {
		var r result[T]
		defer func() {
			if rec := recover(); rec != nil {
				r = result[T]{err: fmt.Errorf("worker pool job panic: %v", rec)}
			}
			done <- r
		}()
		r.val, r.err = fn()
	}

	select {
	case <-p.quit:
		return zero, ErrClosed
	default:
	}
	select {
	case p.jobs <- job:
	case <-p.quit:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Run is Do for calls without a result value.
func Run(ctx context.Context, p *Pool, fn func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
