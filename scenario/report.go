package scenario

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
)

// Report is the outcome of one scenario
type Report struct {
	Scenario *Scenario
	Log      []EventLogEntry
	Results  []AssertionResult
}

// Passed reports whether every assertion held
func (rep *Report) Passed() bool {
	for _, result := range rep.Results {
		if !result.Passed {
			return false
		}
	}
	return true
}

// Execute sets up, runs and checks one scenario
func Execute(ctx context.Context, s *Scenario) (*Report, error) {
	r := NewRunner(s)
	if err := r.Setup(); err != nil {
		return nil, err
	}
	defer r.Close()

	if err := r.Run(ctx); err != nil {
		return nil, err
	}
	results := r.CheckAssertions(ctx)
	return &Report{Scenario: s, Log: r.Log(), Results: results}, nil
}

// ExecuteAll runs scenarios concurrently, each on its own simulated air.
// Reports come back in the order the scenarios were given.
func ExecuteAll(ctx context.Context, scenarios []*Scenario, parallel int) ([]*Report, error) {
	reports := make([]*Report, len(scenarios))

	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, s := range scenarios {
		i, s := i, s
		g.Go(func() error {
			rep, err := Execute(ctx, s)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Name, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Print writes the scenario execution report
func (rep *Report) Print(w io.Writer, verbose bool) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "\n=== Scenario Report: %s ===\n", rep.Scenario.Name)
	if rep.Scenario.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", rep.Scenario.Description)
	}
	fmt.Fprintf(w, "Duration: %v\n", rep.Scenario.Duration())

	if verbose {
		fmt.Fprintln(w, "\n--- Event Log ---")
		for _, entry := range rep.Log {
			fmt.Fprintf(w, "[%dms] [%s] %s: %s\n", entry.TimeMs, entry.Device, entry.EventType, entry.Message)
		}
	}

	fmt.Fprintln(w, "\n--- Assertion Results ---")
	passed := 0
	for _, result := range rep.Results {
		status := color.RedString("FAIL")
		if result.Passed {
			status = color.GreenString("PASS")
			passed++
		}
		fmt.Fprintf(w, "%s - %s: %s\n", status, result.Assertion.Type, result.Message)
	}

	fmt.Fprintf(w, "\nTotal: %d/%d assertions passed\n", passed, len(rep.Results))
}
