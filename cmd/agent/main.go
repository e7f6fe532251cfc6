// Command agent is the CLI entrypoint: it resolves configuration, wires the
// Browser Driver, Snapshot Engine, Memory Manager, Reliable Action Executor,
// and Planner together, and drives the Agent Step Loop to completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/accessibility-browser-agent/internal/agent"
	"github.com/polzovatel/accessibility-browser-agent/internal/browser"
	"github.com/polzovatel/accessibility-browser-agent/internal/config"
	"github.com/polzovatel/accessibility-browser-agent/internal/consolidator"
	"github.com/polzovatel/accessibility-browser-agent/internal/executor"
	"github.com/polzovatel/accessibility-browser-agent/internal/httpapi"
	"github.com/polzovatel/accessibility-browser-agent/internal/llm"
	"github.com/polzovatel/accessibility-browser-agent/internal/memory"
	"github.com/polzovatel/accessibility-browser-agent/internal/persistence"
	"github.com/polzovatel/accessibility-browser-agent/internal/snapshot"
)

// Exit codes: 0 done, 1 fatal_error, 2 step_budget (also used for cobra
// usage errors, which the spec's reason set has no code for), 130 cancelled.
const (
	exitOK        = 0
	exitRunFailed = 1
	exitUsage     = 2
	exitInterrupt = 130
)

func main() {
	var flags config.Flags
	var configPath string
	var maxSteps int
	var headless, noLLM, verbose bool
	var storage, saveState, httpAddr string

	var cfg config.Config
	root := &cobra.Command{
		Use:           "agent <goal>",
		Short:         "Drive a goal to completion in a browser using accessibility snapshots",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Goal = args[0]
			if cmd.Flags().Changed("max-steps") {
				flags.MaxSteps = &maxSteps
			}
			if cmd.Flags().Changed("headless") {
				flags.Headless = &headless
			}
			if cmd.Flags().Changed("no-llm") {
				flags.NoLLM = &noLLM
			}
			if cmd.Flags().Changed("verbose") {
				flags.Verbose = &verbose
			}
			if storage != "" {
				flags.Storage = &storage
			}
			if saveState != "" {
				flags.SaveState = &saveState
			}
			if httpAddr != "" {
				flags.HTTPAddr = &httpAddr
			}

			var err error
			cfg, err = config.Load(flags, configPath)
			return err
		},
	}

	root.Flags().IntVar(&maxSteps, "max-steps", 0, "override the step budget")
	root.Flags().BoolVar(&headless, "headless", true, "run the browser headless")
	root.Flags().BoolVar(&noLLM, "no-llm", false, "use the deterministic fallback planner instead of an LLM")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	root.Flags().StringVar(&storage, "storage", "", "path to a Playwright storage-state file to seed cookies/local storage")
	root.Flags().StringVar(&saveState, "save-state", "", "path to write a storage-state file on exit")
	root.Flags().StringVar(&httpAddr, "http-addr", "", "address for the optional /healthz and /metrics surface, e.g. :8080")
	root.Flags().StringVar(&configPath, "config", "", "path to an agent.yaml configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runAgent(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(exitRunFailed)
	}
	logSummary(log.Logger, result)

	switch {
	case result.Reason == agent.ReasonCancelled:
		os.Exit(exitInterrupt)
	case result.Reason == agent.ReasonStepBudget:
		os.Exit(exitUsage)
	case !result.Success:
		os.Exit(exitRunFailed)
	default:
		os.Exit(exitOK)
	}
}

func runAgent(ctx context.Context, cfg config.Config) (agent.Result, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	// browser.NewLauncher reads only AGENT_HEADLESS, so the resolved
	// headless setting (flag > env > agent.yaml > default) is mirrored there.
	os.Setenv("AGENT_HEADLESS", strconv.FormatBool(cfg.Headless))
	launcher, err := browser.NewLauncher(ctx, logger)
	if err != nil {
		return agent.Result{}, fmt.Errorf("launch browser: %w", err)
	}
	defer launcher.Close()

	driver, err := launcher.NewDriver(ctx, cfg.Storage)
	if err != nil {
		return agent.Result{}, fmt.Errorf("open browser context: %w", err)
	}
	defer driver.Close(ctx)
	if cfg.SaveState != "" {
		defer func() {
			if saver, ok := driver.(interface{ SaveState(string) error }); ok {
				if err := saver.SaveState(cfg.SaveState); err != nil {
					logger.Warn().Err(err).Msg("failed to save storage state")
				}
			}
		}()
	}

	var store memory.Store
	if cfg.Storage != "" {
		// a sqlite file alongside the storage-state path keeps skills and
		// episodes durable across runs of the same browser profile
		db, err := persistence.Open(cfg.Storage + ".agentmem.db")
		if err != nil {
			logger.Warn().Err(err).Msg("persistence unavailable, continuing in-memory only")
		} else {
			defer db.Close()
			store = db
		}
	}

	snaps := snapshot.New(driver, cfg.Snapshot, logger)
	exec := executor.New(driver, snaps, cfg.Executor, logger)
	mem := memory.New(cfg.Memory, store)

	var planner agent.Planner
	if cfg.NoLLM {
		planner = agent.NewNoLLMPlanner()
	} else {
		applyLLMEnv(cfg)
		client, err := llm.NewClientWithLogger(logger)
		if err != nil {
			return agent.Result{}, fmt.Errorf("configure llm client: %w", err)
		}
		planner = agent.NewLLMPlanner(client)
	}

	ag := agent.New(driver, planner, snaps, exec, mem, cfg.AgentLoop, logger)

	cons := consolidator.New(mem, logger)
	if err := cons.Start("@every 10m"); err != nil {
		logger.Warn().Err(err).Msg("consolidator schedule rejected, skipping")
	} else {
		defer cons.Stop()
	}

	if cfg.HTTPAddr != "" {
		srv := httpapi.New(func() agent.AgentMetrics {
			return agent.AgentMetrics{Snapshot: snaps.Metrics(), Executor: exec.Metrics()}
		}, logger)
		go func() {
			if err := srv.ListenAndServe(cfg.HTTPAddr); err != nil {
				logger.Error().Err(err).Msg("http surface stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ag.Cancel()
	}()

	return ag.Run(ctx, cfg.Goal), nil
}

// applyLLMEnv mirrors config-resolved provider/model values into the
// environment so llm.NewClientWithLogger, which only reads env vars, honors
// values that came from agent.yaml rather than the shell.
func applyLLMEnv(cfg config.Config) {
	if cfg.LLMProvider != "" {
		os.Setenv("LLM_PROVIDER", cfg.LLMProvider)
	}
	if cfg.AnthropicModel != "" {
		os.Setenv("ANTHROPIC_MODEL", cfg.AnthropicModel)
	}
	if cfg.OpenAIModel != "" {
		os.Setenv("OPENAI_MODEL", cfg.OpenAIModel)
	}
}

func logSummary(logger zerolog.Logger, result agent.Result) {
	logger.Info().
		Bool("success", result.Success).
		Str("reason", string(result.Reason)).
		Int("steps", result.Steps).
		Dur("duration", result.Duration).
		Str("final_observation", result.FinalObservation).
		Msg("run finished")
}
