package main

import (
	"aggregator/pkg/retry"
	"aggregator/pkg/rpc"
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	StaleOps      int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// opFunc performs operation j of worker; stale reports a stale ack.
type opFunc func(ctx context.Context, worker, j int) (stale bool, err error)

func main() {
	baseURL := flag.String("url", "http://localhost:4567", "aggregation server URL")
	ops := flag.Int("ops", 100, "operations per test")
	concurrency := flag.Int("c", 10, "goroutines for the concurrent tests")
	flag.Parse()

	fmt.Println("=== Aggregator Benchmark ===")
	fmt.Printf("Target: %s\n", *baseURL)
	fmt.Println()

	ctx := context.Background()
	remote := rpc.NewHTTPRemote(*baseURL, 5*time.Second)
	defer remote.Close()

	// Проверка доступности
	if _, err := remote.Health(ctx); err != nil {
		fmt.Printf("ERROR: server %s is not available: %v\n", *baseURL, err)
		os.Exit(1)
	}

	policy := retry.Fixed(3, 10*time.Millisecond)
	reader := rpc.NewReader(remote, policy)

	// Тест 1: последовательные PUT от одного источника
	fmt.Printf("Test 1: Sequential Pushes (%d operations)\n", *ops)
	printResult(benchmark(ctx, *ops, 1, pushOp(remote, policy, "bench-seq")))

	// Тест 2: параллельные PUT, по источнику на горутину
	fmt.Printf("\nTest 2: Concurrent Pushes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(ctx, *ops, *concurrency, pushOp(remote, policy, "bench-par")))

	// Тест 3: повторная отправка того же запроса должна быть stale
	fmt.Printf("\nTest 3: Identical Resends (%d operations)\n", *ops)
	printResult(benchmark(ctx, *ops, 1, resendOp(remote, "bench-resend")))

	// Тест 4: параллельные чтения всего представления
	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmark(ctx, *ops, *concurrency, func(ctx context.Context, _, _ int) (bool, error) {
		_, err := reader.GetAll(ctx)
		return false, err
	}))

	fmt.Println("\n=== Benchmark Complete ===")
}

func pushOp(remote rpc.Remote, policy retry.Policy, prefix string) opFunc {
	var mu sync.Mutex
	sources := make(map[int]*rpc.Source)
	source := func(worker int) *rpc.Source {
		mu.Lock()
		defer mu.Unlock()
		src, ok := sources[worker]
		if !ok {
			src = rpc.NewSource(fmt.Sprintf("%s-%d", prefix, worker), remote, policy)
			sources[worker] = src
		}
		return src
	}

	return func(ctx context.Context, worker, j int) (bool, error) {
		payload := fmt.Sprintf("<bench worker=%d op=%d at=%d/>", worker, j, time.Now().UnixNano())
		ack, err := source(worker).Push(ctx, []byte(payload))
		return err == nil && !ack.Applied(), err
	}
}

func resendOp(remote rpc.Remote, sourceID string) opFunc {
	return func(ctx context.Context, _, j int) (bool, error) {
		ack, err := remote.Put(ctx, sourceID, []byte("resend"), 1, "")
		if err != nil {
			return false, err
		}
		if j > 0 && ack.Applied() {
			return false, fmt.Errorf("resend %d was applied", j)
		}
		return !ack.Applied(), nil
	}
}

func benchmark(ctx context.Context, totalOps, concurrency int, op opFunc) BenchmarkResult {
	start := time.Now()
	var mu sync.Mutex

	result := BenchmarkResult{TotalOps: totalOps}
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		worker := i
		g.Go(func() error {
			ops := opsPerGoroutine
			if worker < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				stale, err := op(ctx, worker, j)
				latency := time.Since(opStart)

				mu.Lock()
				switch {
				case err != nil:
					result.FailedOps++
				case stale:
					result.StaleOps++
				default:
					result.SuccessfulOps++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)

	// Вычисление статистики латентности
	var sum time.Duration
	for i, lat := range latencies {
		if i == 0 || lat < result.MinLatency {
			result.MinLatency = lat
		}
		if lat > result.MaxLatency {
			result.MaxLatency = lat
		}
		sum += lat
	}
	if len(latencies) > 0 {
		result.AvgLatency = sum / time.Duration(len(latencies))
	}
	result.OpsPerSec = float64(result.SuccessfulOps+result.StaleOps) / result.Duration.Seconds()

	return result
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Applied/OK: %d\n", result.SuccessfulOps)
	fmt.Printf("  Stale: %d\n", result.StaleOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
