// Package main measures task manager throughput. Several goroutines submit
// dummy payloads as fast as the queue accepts them, backing off briefly when
// it is full, and the run ends once every task is terminal.
//
// Usage:
//
//	go run ./benchmark -tasks 100000 -workers 8 -queue 1000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/manager"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to submit")
	numWorkers := flag.Int("workers", 8, "Number of manager workers")
	numSubmitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	queueSize := flag.Int("queue", 1000, "Queue capacity")
	workTime := flag.Duration("work", 0, "Simulated time per task")
	flag.Parse()

	work := func(ctx context.Context, payload interface{}) (interface{}, error) {
		if *workTime > 0 {
			time.Sleep(*workTime)
		}
		return payload, nil
	}

	m, err := manager.New(manager.Config{
		QueueSize:    *queueSize,
		Workers:      *numWorkers,
		PollInterval: 50 * time.Millisecond,
	}, work, manager.WithLogger(zerolog.Nop()))
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		return
	}
	if err := m.Start(); err != nil {
		fmt.Printf("Start failed: %v\n", err)
		return
	}

	fmt.Printf("asyncq Benchmark\n")
	fmt.Printf("================\n")
	fmt.Printf("Tasks to submit: %d\n", *numTasks)
	fmt.Printf("Workers: %d, queue capacity: %d, submitters: %d\n\n", *numWorkers, *queueSize, *numSubmitters)

	fmt.Printf("Starting submit phase...\n")
	start := time.Now()

	var wg sync.WaitGroup
	var submitted, rejections atomic.Int64
	perSubmitter := *numTasks / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				payload := map[string]interface{}{"submitter": submitterID, "task": j}
				for {
					_, err := m.Submit(payload)
					if err == nil {
						break
					}
					if !errors.Is(err, manager.ErrCapacityExceeded) {
						fmt.Printf("Error submitting: %v\n", err)
						return
					}
					rejections.Add(1)
					time.Sleep(100 * time.Microsecond)
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(start)
	fmt.Printf("✓ Submitted %d tasks in %s (%d capacity rejections retried)\n\n",
		submitted.Load(), submitTime, rejections.Load())

	fmt.Printf("Draining...\n")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		fmt.Printf("Drain failed: %v\n", err)
		return
	}
	total := time.Since(start)

	s := m.Stats()
	fmt.Printf("\n✓ All tasks processed in %s\n", total)
	fmt.Printf("  Completed: %d, failed: %d\n", s.Completed, s.Failed)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(s.Completed+s.Failed)/total.Seconds())
}
