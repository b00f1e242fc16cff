package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/n0madic/go-rare-event-is/config"
	"github.com/n0madic/go-rare-event-is/eigen"
	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/ldp"
	"github.com/n0madic/go-rare-event-is/logging"
	"github.com/n0madic/go-rare-event-is/metrics"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/research"
	"github.com/n0madic/go-rare-event-is/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// app holds state shared by the subcommands.
type app struct {
	out     io.Writer
	cfgPath string
	json    bool

	// flag overrides, applied when set
	beta0, beta1, threshold float64
	steps, x0, trials       int
	truncation, workers     int
	seed                    int64
	logLevel                string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "ldpsim",
		Short:         "Rare-event estimation for a Poisson autoregression",
		Long:          "ldpsim compares naive Monte Carlo with importance sampling under the Doob-h transform of the exponentially tilted kernel for X_t ~ Poisson(beta0 + beta1*X_{t-1}).",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "YAML config file")
	pf.BoolVar(&a.json, "json", false, "print JSON instead of tables")
	pf.Float64Var(&a.beta0, "beta0", 0, "intercept beta0")
	pf.Float64Var(&a.beta1, "beta1", 0, "feedback coefficient beta1")
	pf.IntVarP(&a.steps, "steps", "n", 0, "path length n")
	pf.IntVar(&a.x0, "x0", 0, "initial state X_0")
	pf.Float64VarP(&a.threshold, "threshold", "a", 0, "rare-event level a for S_n/n > a")
	pf.IntVarP(&a.trials, "trials", "m", 0, "batch size M")
	pf.IntVarP(&a.truncation, "truncation", "N", 0, "state-space truncation size N")
	pf.IntVar(&a.workers, "workers", 0, "batch workers (0 = GOMAXPROCS)")
	pf.Int64Var(&a.seed, "seed", 0, "random seed (0 = time based)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		a.solveCmd(),
		a.simulateCmd(),
		a.batchCmd(),
		a.serveCmd(),
		a.researchCmd(),
		a.configCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("beta0", func() { cfg.Model.Beta0 = a.beta0 })
	set("beta1", func() { cfg.Model.Beta1 = a.beta1 })
	set("steps", func() { cfg.Model.Steps = a.steps })
	set("x0", func() { cfg.Model.InitialState = a.x0 })
	set("threshold", func() { cfg.Model.Threshold = a.threshold })
	set("trials", func() { cfg.Model.Trials = a.trials })
	set("truncation", func() { cfg.Truncation = a.truncation })
	set("workers", func() { cfg.Workers = a.workers })
	set("seed", func() { cfg.Seed = a.seed })
	set("log-level", func() { cfg.Log.Level = a.logLevel })
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) engine(options ...engine.Option) *engine.Engine {
	c := a.cfg
	base := []engine.Option{
		engine.WithSolver(eigen.NewSolver(
			eigen.WithMaxIterations(c.Solver.MaxIterations),
			eigen.WithTolerance(c.Solver.Tolerance),
		)),
		engine.WithSearch(
			ldp.WithBracket(c.Bracket()),
			ldp.WithMaxIterations(c.Search.MaxIterations),
			ldp.WithTolerance(c.Search.Tolerance),
			ldp.WithFailResidual(c.Search.FailResidual),
		),
		engine.WithDerivativeStep(c.Solver.DerivativeStep),
		engine.WithSeed(c.Seed),
		engine.WithLogger(a.logger),
	}
	if c.Workers > 0 {
		base = append(base, engine.WithWorkers(c.Workers))
	}
	return engine.New(append(base, options...)...)
}

func (a *app) research() (*research.Client, error) {
	r := a.cfg.Research
	return research.New(r.APIKey,
		research.WithBaseURL(r.BaseURL),
		research.WithModel(r.Model),
		research.WithFallbackModel(r.FallbackModel),
		research.WithRate(r.RequestsPerMinute),
		research.WithLogger(a.logger),
	)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// solveError prints the search diagnostics of an infeasible tilt before
// returning the error.
func (a *app) solveError(err error) error {
	var infeasible *model.InfeasibleTiltError
	if errors.As(err, &infeasible) && !a.json {
		renderLog(a.out, "Search log", infeasible.Log)
	}
	return err
}

func (a *app) solveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "solve",
		Short: "Find the optimal tilt theta* and the eigenpair of the tilted kernel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := a.cfg.Params()
			sol, err := a.engine().Solve(cmd.Context(), p, a.cfg.Truncation)
			if err != nil {
				return a.solveError(err)
			}
			if a.json {
				return a.printJSON(sol)
			}
			renderParams(a.out, p, a.cfg.Truncation)
			renderSolution(a.out, sol)
			return nil
		},
	}
}

func (a *app) simulateCmd() *cobra.Command {
	var measure string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Sample one trajectory under the natural or the twisted measure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := a.cfg.Params()
			eng := a.engine()
			ctx := cmd.Context()

			var (
				tr  model.Trajectory
				sol *engine.Solution
				err error
			)
			switch model.Measure(strings.ToLower(measure)) {
			case model.Natural:
				tr, err = eng.SimulateNatural(ctx, p)
			case model.Twisted:
				s, serr := eng.Solve(ctx, p, a.cfg.Truncation)
				if serr != nil {
					return a.solveError(serr)
				}
				sol = &s
				tr, err = eng.SimulateTwisted(ctx, p, s)
			default:
				return fmt.Errorf("unknown measure %q: use natural or twisted", measure)
			}
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(tr)
			}
			renderParams(a.out, p, a.cfg.Truncation)
			if sol != nil {
				renderSolution(a.out, *sol)
			}
			renderTrajectory(a.out, tr, p.Threshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&measure, "measure", string(model.Natural), "sampling measure: natural or twisted")
	return cmd
}

func (a *app) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Compare naive Monte Carlo with importance sampling over M trials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := a.cfg.Params()
			eng := a.engine()
			ctx := cmd.Context()

			sol, err := eng.Solve(ctx, p, a.cfg.Truncation)
			if err != nil {
				return a.solveError(err)
			}
			cmp, err := eng.RunBatch(ctx, p, sol)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(struct {
					Params     model.Params     `json:"params"`
					Theta      float64          `json:"theta"`
					Comparison model.Comparison `json:"comparison"`
					Assessment model.Assessment `json:"assessment"`
				}{p, sol.Theta, cmp, cmp.Assess()})
			}
			renderParams(a.out, p, a.cfg.Truncation)
			renderSolution(a.out, sol)
			renderComparison(a.out, cmp)
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP JSON API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			options := []server.Option{
				server.WithLogger(a.logger),
				server.WithMetrics(m, reg),
				server.WithDefaults(a.cfg.Params(), a.cfg.Truncation),
				server.WithTaskLimits(a.cfg.Server.MaxTasks, a.cfg.Server.TaskTTL),
			}
			rc, err := a.research()
			switch {
			case err == nil:
				options = append(options, server.WithResearch(rc))
			case errors.Is(err, research.ErrDisabled):
				a.logger.Info("research endpoints disabled: no API key")
			default:
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := server.New(a.engine(engine.WithRecorder(m)), options...)
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func (a *app) researchCmd() *cobra.Command {
	var explain bool
	cmd := &cobra.Command{
		Use:   "research [question]",
		Short: "Search related literature, or explain the current parameters with --explain",
		Args: func(cmd *cobra.Command, args []string) error {
			if explain {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := a.research()
			if err != nil {
				return fmt.Errorf("%w (set %sRESEARCH_API_KEY)", err, config.EnvPrefix)
			}
			ctx := cmd.Context()
			if explain {
				exp, err := rc.Explain(ctx, a.cfg.Params())
				if err != nil {
					return err
				}
				if a.json {
					return a.printJSON(exp)
				}
				renderExplanation(a.out, exp)
				return nil
			}
			res, err := rc.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(res)
			}
			renderResearch(a.out, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&explain, "explain", false, "explain IS versus naive MC for the current parameters")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(*cobra.Command, []string) error {
			c := a.cfg
			if c.Research.APIKey != "" {
				c.Research.APIKey = "********"
			}
			data, err := c.Marshal()
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
}
