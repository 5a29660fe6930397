// Package main — cmd/vagusguard-sim/main.go
//
// VAGUSGUARD Golden Scenario Runner.
//
// Purpose: replay the fixed set of end-to-end scenarios that VAGUSGUARD's
// behaviour is pinned against — ANS cascade/hysteresis, residency-gate
// bypass, brake/issuer scaling equivalence, reflex fan-out revocation,
// cooldown silence, and rate-limit tripping — against freshly constructed,
// in-memory components (no BoltDB, no metrics, no network).
//
// Output: per-scenario PASS/FAIL line to stdout.
// Summary: overall result to stderr.
//
// Usage:
//
//	vagusguard-sim [flags]
//	vagusguard-sim -v
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vagusguard/vagusguard/internal/scenario"
)

func main() {
	verbose := flag.Bool("v", false, "Print scenario detail even on pass")
	flag.Parse()

	results := scenario.All()

	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failed++
		}
		fmt.Printf("[%s] %s\n", status, r.Name)
		if *verbose || !r.Passed {
			if r.Detail != "" {
				fmt.Printf("       %s\n", r.Detail)
			}
		}
	}

	fmt.Fprintf(os.Stderr, "\n=== SCENARIO RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Scenarios run:    %d\n", len(results))
	fmt.Fprintf(os.Stderr, "Scenarios failed: %d\n", failed)

	if failed == 0 {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — all golden scenarios replayed correctly\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL — %d scenario(s) diverged from expected behaviour\n", failed)
	os.Exit(2)
}
