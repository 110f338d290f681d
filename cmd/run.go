package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/mailpilot/internal/agent"
	"github.com/xkilldash9x/mailpilot/internal/browser"
	"github.com/xkilldash9x/mailpilot/internal/config"
	"github.com/xkilldash9x/mailpilot/internal/console"
	"github.com/xkilldash9x/mailpilot/internal/decision"
	"github.com/xkilldash9x/mailpilot/internal/journal"
	"github.com/xkilldash9x/mailpilot/internal/llmclient"
	"github.com/xkilldash9x/mailpilot/internal/observability"
	"github.com/xkilldash9x/mailpilot/internal/session"
)

const shutdownTimeout = 15 * time.Second

// newLLMClient is replaced in tests.
var newLLMClient = llmclient.NewClient

// newRunCmd creates the `run` command, which holds one conversation and sends one email.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation and send an email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runAgent(ctx, cfg, console.NewStdio(), observability.GetLogger())
		},
	}

	runCmd.Flags().StringP("provider", "p", "", "mail client to drive: gmail or outlook (overrides agent.provider)")
	runCmd.Flags().Int("max-steps", 0, "maximum phase invocations in the run (overrides agent.max_steps)")
	runCmd.Flags().Bool("headless", false, "run the browser without a window (overrides browser.headless)")
	return runCmd
}

// runComponents holds the collaborators of one run.
type runComponents struct {
	Environment *browser.Environment
	Journal     journal.Journal
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
	shutdown    []func(context.Context) error
}

// Shutdown releases the components in reverse order of creation.
func (rc *runComponents) Shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(rc.shutdown) - 1; i >= 0; i-- {
		if err := rc.shutdown[i](ctx); err != nil {
			logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
}

// runAgent wires the orchestrator and drives one run. The metrics endpoint,
// when configured, is served for as long as the run lasts.
func runAgent(ctx context.Context, cfg *config.Config, con *console.Console, logger *zap.Logger) error {
	rc, decider, err := initializeRunComponents(ctx, cfg, logger)
	if err != nil {
		if rc != nil {
			rc.Shutdown(logger)
		}
		return fmt.Errorf("failed to initialize run components: %w", err)
	}
	defer rc.Shutdown(logger)

	orchestrator, err := agent.NewOrchestrator(agent.Dependencies{
		Decider:     decider,
		Environment: rc.Environment,
		Human:       con,
		Journal:     rc.Journal,
		Metrics:     rc.Metrics,
		Tracer:      rc.Tracer,
		Logger:      logger,
	}, agent.Options{
		Provider:             string(cfg.Agent.Provider),
		MaxSteps:             cfg.Agent.MaxSteps,
		MaxConsecutiveErrors: cfg.Agent.MaxConsecutiveErrors,
		DecisionTimeout:      cfg.Agent.DecisionTimeout,
		HistoryWindow:        cfg.Agent.HistoryWindow,
		Progress:             con.Progress,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if cfg.Telemetry.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Telemetry.MetricsAddr, Handler: metricsMux(rc.Metrics), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("Serving metrics.", zap.String("addr", cfg.Telemetry.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var result *agent.RunResult
	g.Go(func() error {
		defer stopServing()
		var runErr error
		result, runErr = orchestrator.Run(runCtx)
		return runErr
	})

	err = g.Wait()
	if result != nil {
		con.PrintResult(result)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func metricsMux(m *observability.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

// initializeRunComponents handles dependency injection for a run.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, agent.DecisionService, error) {
	rc := &runComponents{Metrics: observability.NewMetrics()}

	tp, shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.Tracing, cfg.Logger.ServiceName, Version)
	if err != nil {
		return rc, nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	rc.Tracer = tp.Tracer("github.com/xkilldash9x/mailpilot/internal/agent")
	rc.shutdown = append(rc.shutdown, shutdownTracing)

	llm, err := newLLMClient(ctx, cfg.Agent, logger)
	if err != nil {
		return rc, nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	rc.shutdown = append(rc.shutdown, func(context.Context) error { return llm.Close() })
	decider := decision.NewLLMDecider(llm, string(cfg.Agent.Provider), logger)

	sessions := session.NewStore(cfg.Session.Dir, logger)
	env, err := browser.NewEnvironment(cfg.Browser, string(cfg.Agent.Provider), sessions, logger)
	if err != nil {
		return rc, nil, err
	}
	rc.Environment = env
	rc.shutdown = append(rc.shutdown, env.Release)

	j, err := journal.Open(ctx, cfg.Journal, logger)
	if err != nil {
		// A broken journal should not stop the user from sending mail.
		logger.Warn("Run journal unavailable; this run will not be recorded.", zap.Error(err))
		j = journal.Nop{}
	}
	rc.Journal = j
	rc.shutdown = append(rc.shutdown, func(context.Context) error { return j.Close() })

	return rc, decider, nil
}
