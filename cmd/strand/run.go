package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/agent"
	agentctx "github.com/haasonsaas/strand/internal/agent/context"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/permissions"
	"github.com/haasonsaas/strand/internal/providers"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/internal/tools/builtin"
	"github.com/haasonsaas/strand/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		model      string
		maxIter    int
		noStream   bool
		withMemory bool
		autoAllow  bool
		allowShell bool
		workDir    string
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the agent loop on a prompt",
		Long: `Run sends the prompt to the configured provider and iterates the agent
loop until the model produces a final answer, streaming text and tool
activity as it happens.

With --session, the conversation, permission grants, and memory state are
restored before the run and checkpointed after every iteration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) > 0 {
				prompt = args[0]
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("a prompt is required")
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Provider.DefaultModel = model
			}
			if maxIter > 0 {
				cfg.Run.MaxIterations = maxIter
			}
			if autoAllow {
				cfg.Permissions.DefaultScope = permissions.ScopeAlways
			} else if stdinIsTerminal() {
				cfg.Permissions.OnApprovalRequired = terminalApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
			}

			logger := buildLogger(cfg.Logging)
			slog.SetDefault(logger)

			rt, err := buildRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.shutdown()

			builtins := builtin.All(builtin.Options{Root: workDir, AllowShell: allowShell})
			if err := rt.coordinator.Tools().RegisterAll(builtins); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := agent.RunOptions{
				SessionID: sessionID,
				Input:     prompt,
			}
			if withMemory {
				working := memory.NewWorkingMemoryPlugin(nil)
				inContext := memory.NewInContextMemoryPlugin(nil)
				opts.Plugins = []agentctx.Plugin{working, inContext}
			}

			if noStream {
				result, err := rt.coordinator.Run(ctx, opts)
				if err != nil {
					return describeRunError(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), result.Text)
				printRunSummary(cmd, result)
				return nil
			}

			run, err := rt.coordinator.Stream(ctx, opts)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				run.Cancel("interrupted")
			}()

			printStream(cmd, run.Events())

			result, err := run.Wait(context.Background())
			if err != nil {
				return describeRunError(err)
			}
			printRunSummary(cmd, result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default strand.yaml)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to restore and checkpoint")
	cmd.Flags().StringVarP(&model, "model", "m", "", "override the provider's default model")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "override the iteration limit")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the final answer instead of streaming")
	cmd.Flags().BoolVar(&withMemory, "memory", false, "attach the working and in-context memory plugins")
	cmd.Flags().BoolVarP(&autoAllow, "yes", "y", false, "auto-approve all tool calls")
	cmd.Flags().BoolVar(&allowShell, "allow-shell", false, "expose the shell tool to the model")
	cmd.Flags().StringVar(&workDir, "dir", "", "workspace root for file and shell tools (default current directory)")
	return cmd
}

// printStream renders the event channel: text deltas inline, tool activity
// and errors on stderr so piped output stays clean.
func printStream(cmd *cobra.Command, events <-chan models.StreamEvent) {
	out := cmd.OutOrStdout()
	errw := cmd.ErrOrStderr()
	wroteText := false
	for ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			fmt.Fprint(out, ev.Delta)
			wroteText = true
		case models.EventTextDone:
			fmt.Fprintln(out)
			wroteText = false
		case models.EventToolExecStart:
			fmt.Fprintf(errw, "→ %s (%s)\n", ev.ToolName, ev.ToolCallID)
		case models.EventToolExecDone:
			fmt.Fprintf(errw, "← %s (%s)\n", ev.ToolName, ev.ToolCallID)
		case models.EventError:
			fmt.Fprintf(errw, "error [%s]: %s\n", ev.ErrorKind, ev.Message)
		case models.EventResponseComplete:
			if wroteText {
				fmt.Fprintln(out)
			}
		}
	}
}

func printRunSummary(cmd *cobra.Command, result *models.RunResult) {
	fmt.Fprintf(cmd.ErrOrStderr(),
		"done: %d iterations, %d llm calls, %d tool calls, %d tokens, %s\n",
		result.Iterations,
		result.Metrics.LLMCalls,
		result.Metrics.ToolCalls,
		result.Metrics.Usage.TotalTokens,
		result.Duration.Round(time.Millisecond))
}

// describeRunError unwraps a run failure into a one-line message, keeping
// partial output visible when the loop got part way to an answer.
func describeRunError(err error) error {
	if runErr, ok := agent.AsRunError(err); ok && runErr.PartialText != "" {
		return fmt.Errorf("%w\npartial output:\n%s", err, runErr.PartialText)
	}
	return err
}

// runtime bundles everything built from config that needs teardown.
type runtime struct {
	coordinator *agent.Coordinator
	metricsSrv  *http.Server
}

func (rt *runtime) shutdown() {
	if rt.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.metricsSrv.Shutdown(ctx)
	}
}

// buildRuntime assembles provider, stores, and coordinator from config.
func buildRuntime(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	metrics := observability.Nop()
	rt := &runtime{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		rt.metricsSrv = serveMetrics(cfg.Metrics.Listen, reg, logger)
	}

	provider, err := buildProvider(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildSessionStore(cfg.Sessions)
	if err != nil {
		return nil, err
	}

	permMgr := permissions.NewManager(cfg.Permissions)
	coord, err := agent.NewCoordinator(agent.Config{
		Provider:    provider,
		Permissions: permMgr,
		Sessions:    store,
		Context:     cfg.Context.AgentContext(),
		Loop:        cfg.Run,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	rt.coordinator = coord
	return rt, nil
}

func buildProvider(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (providers.Provider, error) {
	var (
		p   providers.Provider
		err error
	)
	switch strings.ToLower(cfg.Provider.Name) {
	case "anthropic":
		p, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.DefaultModel,
			Logger:       logger,
		}, metrics)
	case "openai":
		p, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.DefaultModel,
			Logger:       logger,
		}, metrics)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
	if err != nil {
		return nil, err
	}
	return providers.WithRetry(p, providers.RetryConfig{
		MaxAttempts:       cfg.Provider.Retry.MaxAttempts,
		MaxRetryAfter:     cfg.Provider.Retry.MaxRetryAfter,
		RequestsPerSecond: cfg.Provider.Retry.RequestsPerSecond,
		Burst:             cfg.Provider.Retry.Burst,
		Logger:            logger,
	}), nil
}

func buildSessionStore(cfg config.SessionsConfig) (sessions.Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "file":
		return sessions.NewFileStore(cfg.Dir)
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
}

func serveMetrics(listen string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return srv
}

// loadConfig reads the config file if one exists. A missing default file is
// fine; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != "" || os.Getenv("STRAND_CONFIG") != ""
	resolved := resolveConfigPath(path)
	cfg, err := config.Load(resolved)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil)
	}
	return nil, err
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
