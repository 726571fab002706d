package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/analysis"
	"github.com/edp1096/toy-powerflow/pkg/netlist"
	"github.com/edp1096/toy-powerflow/pkg/solver"
	"github.com/edp1096/toy-powerflow/pkg/util"
)

var (
	solverName    = flag.String("solver", "", "solver: nr, iwamoto, lm, helm, fdpf, dc")
	auxSolverName = flag.String("aux-solver", "", "fallback solver")
	tolerance     = flag.Float64("tol", 0, "mismatch tolerance (p.u.)")
	maxIter       = flag.Int("max-iter", 0, "solver iterations")
	maxOuter      = flag.Int("max-outer", 0, "reactive power control rounds")
	noQLimits     = flag.Bool("no-qlimits", false, "ignore generator reactive power limits")
	noTapControl  = flag.Bool("no-tap-control", false, "keep tap changers at their set positions")
	parallel      = flag.Bool("parallel", false, "solve islands concurrently")
	robust        = flag.Bool("robust", false, "use the Iwamoto multiplier with Newton-Raphson")
	verbose       = flag.Bool("verbose", false, "trace solver iterations")
	fault         = flag.String("fault", "", "comma separated buses to short circuit")
	timeSeries    = flag.Bool("time-series", false, "run every step of the device profiles")
	logLevel      = flag.String("log-level", "info", "debug, info, warn or error")
	logFormat     = flag.String("log-format", "text", "text or json")
)

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if *verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch *logFormat {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", *logFormat)
	}
}

// applyFlags overrides the case file options with the flags given on the
// command line.
func applyFlags(opts analysis.Options) (analysis.Options, error) {
	var err error
	flag.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "solver":
			opts.SolverKind, err = solver.ParseKind(*solverName)
		case "aux-solver":
			opts.AuxSolverKind, err = solver.ParseKind(*auxSolverName)
		case "tol":
			opts.Tolerance = *tolerance
		case "max-iter":
			opts.MaxInnerIter = *maxIter
		case "max-outer":
			opts.MaxOuterIter = *maxOuter
		case "no-qlimits":
			opts.EnforceQLimits = !*noQLimits
		case "no-tap-control":
			opts.ControlTaps = !*noTapControl
		case "parallel":
			opts.Parallel = *parallel
		case "robust":
			opts.Robust = *robust
		case "verbose":
			opts.Verbose = *verbose
		case "time-series":
			opts.SeedFromPrevious = *timeSeries
		}
	})
	return opts, err
}

func printPowerFlow(res *analysis.Results) {
	fmt.Println("\nBus voltages:")
	fmt.Println("------------------------------------------------------------------")
	for i, name := range res.BusNames {
		fmt.Printf("%-12s %-6s %s  %s\n",
			name,
			res.Types[i],
			util.FormatPhasor("V", res.V[i]),
			util.FormatPower(res.Sbus[i]))
	}

	fmt.Println("\nBranch flows:")
	fmt.Println("------------------------------------------------------------------")
	for j, name := range res.BranchNames {
		fmt.Printf("%-12s %s  loss %s  loading %s\n",
			name,
			util.FormatPower(res.Power[j]),
			util.FormatPower(res.Losses[j]),
			util.FormatPercent(res.Loading[j]))
	}
	for j, pos := range res.TapPosition {
		if pos != 0 {
			fmt.Printf("%-12s tap position %d\n", res.BranchNames[j], pos)
		}
	}

	fmt.Println("\nConvergence:")
	fmt.Print(res.ConvergenceReport())

	for _, d := range res.Diagnostics() {
		fmt.Printf("  %s\n", d)
	}

	if lim := res.CheckLimits(); !lim.Empty() {
		fmt.Println("\nLimit violations:")
		for _, j := range lim.Overloads {
			fmt.Printf("  overload     %-12s %s\n", res.BranchNames[j], util.FormatPercent(res.Loading[j]))
		}
		for _, i := range lim.Overvoltages {
			fmt.Printf("  overvoltage  %s\n", util.FormatPhasor(res.BusNames[i], res.V[i]))
		}
		for _, i := range lim.Undervoltages {
			fmt.Printf("  undervoltage %s\n", util.FormatPhasor(res.BusNames[i], res.V[i]))
		}
	}
}

func printSteps(results map[string][]float64) {
	steps := results["STEP"]
	var names []string
	for name := range results {
		if strings.HasPrefix(name, "VM(") || strings.HasPrefix(name, "LOADING(") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fmt.Printf("\nTime series (%d steps):\n", len(steps))
	fmt.Println("------------------------------------------------------------------")
	for i, t := range steps {
		fmt.Printf("%4d  converged=%-5t", int(t), results["CONVERGED"][i] == 1)
		for _, name := range names {
			fmt.Printf("  %s=%.4f", name, results[name][i])
		}
		fmt.Println()
	}
}

func printShortCircuit(sc *analysis.ShortCircuit) {
	fmt.Println("\nShort circuit:")
	fmt.Println("------------------------------------------------------------------")
	results := sc.GetResults()
	var names []string
	for name := range results {
		if strings.HasPrefix(name, "SCC(") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-20s %s\n", name, util.FormatValueFactor(results[name][0], "VA"))
	}
	fmt.Println("\nPost-fault voltages:")
	for i, name := range sc.PowerFlow.BusNames {
		fmt.Printf("  %s\n", util.FormatPhasor(name, sc.V[i]))
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] case.hcl\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	cs, err := netlist.LoadFile(ctx, flag.Arg(0))
	if err != nil {
		log.Fatalf("Error loading case: %v", err)
	}
	opts, err := applyFlags(cs.Options)
	if err != nil {
		log.Fatalf("Error in flags: %v", err)
	}

	var analyzer analysis.Analysis
	switch {
	case *timeSeries:
		analyzer = analysis.NewTimeSeries(0, 0, opts)
	case *fault != "":
		analyzer = analysis.NewShortCircuit(strings.Split(*fault, ","), opts)
	default:
		analyzer = analysis.NewPowerFlow(opts)
	}

	if err := analyzer.Setup(cs.Network); err != nil {
		log.Fatalf("Analysis setup failed: %v", err)
	}
	execErr := analyzer.Execute(ctx)

	switch a := analyzer.(type) {
	case *analysis.PowerFlow:
		if a.Results != nil {
			printPowerFlow(a.Results)
		}
	case *analysis.TimeSeries:
		printSteps(a.GetResults())
	case *analysis.ShortCircuit:
		if a.PowerFlow != nil {
			printPowerFlow(a.PowerFlow)
			printShortCircuit(a)
		}
	}

	if execErr != nil {
		log.Fatalf("Analysis execution failed: %v", execErr)
	}
}
