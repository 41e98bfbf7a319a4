package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/user/bluelink/wire"
)

const samples = 10000

func main() {
	fmt.Println("=== Radio Simulation Realism Check ===")
	fmt.Println()

	checks := []struct {
		title string
		run   func(*wire.SimulationConfig) bool
	}{
		{"Connection timing & failure rate", checkConnections},
		{"Packet loss", checkPacketLoss},
		{"RSSI by distance", checkRSSI},
		{"Unit size negotiation", checkUnitSize},
	}

	failed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.title)
		cfg := wire.DefaultSimulationConfig()
		if !c.run(cfg) {
			failed++
		}
		fmt.Println()
	}

	if failed > 0 {
		color.Red("%d of %d checks failed", failed, len(checks))
		os.Exit(1)
	}
	color.Green("All checks passed")
}

func status(ok bool) bool {
	fmt.Print("  Status: ")
	if ok {
		color.Green("PASS")
	} else {
		color.Red("FAIL")
	}
	return ok
}

func checkConnections(cfg *wire.SimulationConfig) bool {
	sim := wire.NewSimulator(cfg)

	failures := 0
	var total time.Duration
	for i := 0; i < samples; i++ {
		if !sim.ShouldConnectionSucceed() {
			failures++
		}
		total += sim.ConnectionDelay()
	}

	avg := total / samples
	rate := float64(failures) / samples * 100
	minDelay := time.Duration(cfg.MinConnectionDelay) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxConnectionDelay) * time.Millisecond

	fmt.Printf("  Failures: %d (%.2f%%, configured %.2f%%)\n", failures, rate, cfg.ConnectionFailureRate*100)
	fmt.Printf("  Avg delay: %v (expected: %v-%v)\n", avg, minDelay, maxDelay)
	return status(rate <= cfg.ConnectionFailureRate*100*2 && avg >= minDelay && avg <= maxDelay)
}

func checkPacketLoss(cfg *wire.SimulationConfig) bool {
	sim := wire.NewSimulator(cfg)

	lost := 0
	for i := 0; i < samples; i++ {
		if !sim.ShouldPacketSucceed() {
			lost++
		}
	}

	success := (1 - float64(lost)/samples) * 100
	fmt.Printf("  Lost: %d of %d\n", lost, samples)
	fmt.Printf("  Success rate: %.2f%% (configured loss %.2f%%)\n", success, cfg.PacketLossRate*100)
	return status(success >= 97.0)
}

func checkRSSI(cfg *wire.SimulationConfig) bool {
	cfg.Deterministic = true
	cfg.Seed = 11111
	sim := wire.NewSimulator(cfg)

	ok := true
	prev := 0
	for i, distance := range []float64{1, 2, 5, 10} {
		lo, hi, sum := 0, -200, 0
		for n := 0; n < 10; n++ {
			rssi := sim.GenerateRSSI(distance)
			if n == 0 || rssi < lo {
				lo = rssi
			}
			if rssi > hi {
				hi = rssi
			}
			sum += rssi
		}
		avg := sum / 10
		fmt.Printf("  Distance: %.1fm -> RSSI: %d dBm (range: %d to %d)\n", distance, avg, lo, hi)
		if i > 0 && avg > prev+cfg.RSSIVariance {
			ok = false
		}
		prev = avg
	}
	return status(ok)
}

func checkUnitSize(cfg *wire.SimulationConfig) bool {
	sim := wire.NewSimulator(cfg)

	ok := true
	for _, requested := range []int{1, 20, 185, 512, 4096} {
		got := sim.NegotiatedUnitSize(requested)
		fmt.Printf("  requested %d -> %d\n", requested, got)
		if got < cfg.MinUnitSize || got > cfg.MaxUnitSize {
			ok = false
		}
	}
	return status(ok)
}
