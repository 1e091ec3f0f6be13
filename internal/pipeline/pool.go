package pipeline

import (
	"context"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
)

// WorkerCount sizes the pool: configured when positive, otherwise the
// logical CPU count minus reserve. The result is capped at tasks and is at
// least 1.
func WorkerCount(configured, reserve, tasks int) int {
	n := configured
	if n <= 0 {
		cpus, err := cpu.Counts(true)
		if err != nil || cpus <= 0 {
			cpus = runtime.NumCPU()
		}
		n = cpus - reserve
	}
	if tasks > 0 && n > tasks {
		n = tasks
	}
	if n < 1 {
		n = 1
	}
	return n
}

// poolResult is the outcome of one task, tagged with its input position.
type poolResult[R any] struct {
	Index int
	Value R
	Err   error
}

// runPool executes fn for every item on a fixed number of workers. Tasks
// flow through a bounded channel and each outcome is sent on a result
// channel; runPool returns only after every dispatched task has reported
// (the barrier). One task's failure does not stop its siblings. Once ctx is
// done no further tasks are dispatched and the undispatched ones report
// ctx.Err(). Results are returned in input order.
func runPool[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (R, error)) []poolResult[R] {
	if workers < 1 {
		workers = 1
	}
	type task struct {
		index int
		item  T
	}
	tasks := make(chan task, workers)
	results := make(chan poolResult[R], len(items))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				v, err := fn(ctx, t.item)
				results <- poolResult[R]{Index: t.index, Value: v, Err: err}
			}
		}()
	}

dispatch:
	for i, item := range items {
		select {
		case <-ctx.Done():
			for j := i; j < len(items); j++ {
				results <- poolResult[R]{Index: j, Err: ctx.Err()}
			}
			break dispatch
		case tasks <- task{index: i, item: item}:
		}
	}
	close(tasks)
	wg.Wait()
	close(results)

	out := make([]poolResult[R], len(items))
	for r := range results {
		out[r.Index] = r
	}
	return out
}
