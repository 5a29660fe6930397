// Package main — bench/cmd/latency/main.go
//
// Admission-control latency measurement tool.
//
// Measures the wall-clock time of a single Vagal Brake admission decision:
// Guard lookup, scaling, absolute-cap validation, scaled-limits-hash
// verification, and delegation to the Capability Issuer — end to end,
// in-process, with no network or disk I/O in the hot path.
//
// Method:
//  1. Builds a fresh ANS Manager (DANGER, 5000bp scaling), Capability Issuer,
//     and Vagal Brake with rate-limit/breaker ceilings well above the
//     iteration count so neither gate trips mid-run.
//  2. Calls Brake.IssueWithBrake in a tight loop, each with a fresh nonce.
//  3. Measures each call's wall-clock time with time.Now() before/after.
//  4. Results are written to a CSV file.
//
// Output CSV columns:
//
//	iteration, latency_us, admitted (true/false)
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/big"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/brake"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/codec"
	"github.com/vagusguard/vagusguard/internal/types"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of admission decisions to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "admitted"})

	epoch := time.Now()

	mgr := ans.New(ans.Config{MinResidency: time.Second, SafeThresholdBp: 8000, DangerThresholdBp: 6000}, nil, nil)
	if err := mgr.UpdateTone(epoch, 5000, types.StateDanger); err != nil {
		fmt.Fprintf(os.Stderr, "setup to DANGER failed: %v\n", err)
		os.Exit(1)
	}

	iss := capability.New(capability.Config{
		DAOAddress:          "dao",
		AuthorizedExecutors: []string{"brake-caller"},
		RateLimit:           capability.RateLimitParams{WindowSize: time.Minute, MaxRequests: *iterations + 10},
		Breaker:             capability.BreakerParams{Threshold: *iterations + 10, Timeout: time.Minute, Recovery: 2},
	}, nil, nil, nil)

	brk := brake.New(brake.Config{
		AuthorizedCallers: []string{"planner-1"},
		IssuerCaller:      "brake-caller",
	}, mgr, iss, nil, nil, nil, nil)

	var actionID [32]byte
	actionID[0] = 0xAB
	wantHash := codec.ScalingLimitsHash(actionID, 5000, 250, 5000)
	expiresAt := uint64(epoch.Add(time.Hour).Unix())

	var (
		admittedCount int
		p50Bucket     [10001]int // histogram buckets: 0-10000µs
	)

	for i := 0; i < *iterations; i++ {
		intent := types.Intent{
			ExecutorID:    123,
			ActionID:      actionID,
			MaxDurationMs: 10000,
			MaxEnergyJ:    500,
			NotBefore:     uint64(epoch.Unix()),
			NotAfter:      uint64(epoch.Add(time.Hour).Unix()),
			Planner:       "planner-1",
			Nonce:         big.NewInt(int64(i) + 1),
		}

		start := time.Now()
		_, err := brk.IssueWithBrake(start, "planner-1", intent, wantHash, expiresAt)
		latency := time.Since(start)

		admitted := err == nil
		if admitted {
			admittedCount++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p50Bucket) {
			p50Bucket[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.FormatBool(admitted),
		})
	}

	p50, p95, p99 := computePercentiles(p50Bucket[:], *iterations)

	fmt.Printf("Admission Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Admitted: %d/%d (%.1f%%)\n", admittedCount, *iterations,
		float64(admittedCount)/float64(*iterations)*100)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds 2000µs target\n", p99)
		os.Exit(1)
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
