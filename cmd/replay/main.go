package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/scenario"
)

func main() {
	app := &cli.App{
		Name:      "replay",
		Usage:     "Run scripted link scenarios over the simulated radio",
		ArgsUsage: "<scenario.json>...",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Specify how many scenarios run at once.",
				Value: 4,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Print the event log of every scenario.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Specify the log level. (TRACE, DEBUG, INFO, WARN, ERROR)",
				Value: "WARN",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("%v", err))
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if cliCtx.NArg() == 0 {
		return cli.ShowAppHelp(cliCtx)
	}
	logger.SetLevel(logger.ParseLevel(cliCtx.String("log-level")))

	var scenarios []*scenario.Scenario
	for _, path := range cliCtx.Args().Slice() {
		s, err := scenario.LoadScenario(path)
		if err != nil {
			return fmt.Errorf("failed to load scenario: %w", err)
		}
		if errs := s.Validate(); len(errs) > 0 {
			fmt.Printf("Scenario %s is invalid:\n", path)
			for _, e := range errs {
				fmt.Printf("  - %s\n", e)
			}
			return cli.Exit("validation failed", 1)
		}
		fmt.Printf("Loaded %s: %d devices, %d events, %v\n", s.Name, len(s.Devices), len(s.Timeline), s.Duration())
		scenarios = append(scenarios, s)
	}

	reports, err := scenario.ExecuteAll(cliCtx.Context, scenarios, cliCtx.Int("parallel"))
	if err != nil {
		return err
	}

	failed := 0
	for _, rep := range reports {
		rep.Print(os.Stdout, cliCtx.Bool("verbose"))
		if !rep.Passed() {
			failed++
		}
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d scenarios failed", failed, len(reports)), 1)
	}
	color.Green("\nAll %d scenarios passed", len(reports))
	return nil
}
