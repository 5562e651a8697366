// Package cli implements the comfyflow command line: the MCP and HTTP
// servers plus one-shot commands against the render backend.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/comfyflow/internal/backend"
	"github.com/pitabwire/comfyflow/internal/config"
	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/internal/orchestrator"
	"github.com/pitabwire/comfyflow/internal/template"
	"github.com/pitabwire/comfyflow/internal/tools"
)

// FallbackURL is used when no configuration can be loaded.
const FallbackURL = "http://localhost:8188"

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	warnText = color.New(color.FgYellow).SprintFunc()
)

// app carries the global flags and the state shared by subcommands.
type app struct {
	version     string
	configPath  string
	url         string
	templateDir string
	verbose     bool

	cfg *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "comfyflow",
		Short: "Template-driven image generation against a ComfyUI backend",
		Long: `comfyflow turns parameterised workflow templates into ComfyUI jobs.

Configuration priority (highest to lowest):
  1. Command-line flags (--comfyui-url, --template-dir)
  2. Environment variables (COMFYUI_URL, COMFYUI_API_KEY, ...)
  3. Configuration file (--config or comfyui.toml in the search path)
  4. Defaults`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = a.loadConfig(cmd.ErrOrStderr())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a TOML or YAML configuration file")
	flags.StringVar(&a.url, "comfyui-url", "", "ComfyUI server URL (overrides config file)")
	flags.StringVar(&a.templateDir, "template-dir", "", "directory containing workflow templates")
	flags.BoolVar(&a.verbose, "verbose", false, "enable verbose output")

	root.AddCommand(
		a.serveCommand(),
		a.serveHTTPCommand(),
		a.testConnectionCommand(),
		a.listTemplatesCommand(),
		a.generateCommand(),
		a.statusCommand(),
		a.cancelCommand(),
		a.downloadCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, version string, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(version)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.As(err, new(exitError)) {
			fmt.Fprintln(stderr, failMark("Error:"), err)
		}
		return 1
	}
	return 0
}

// exitError fails the command without printing anything further; the
// command has already reported the problem.
type exitError struct{}

func (exitError) Error() string { return "exit status 1" }

// loadConfig resolves configuration and applies flag overrides. Load
// failures fall back to a default configuration pointing at FallbackURL.
func (a *app) loadConfig(stderr io.Writer) *config.Config {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if a.configPath != "" {
		path = a.configPath
		cfg, err = config.Load(a.configPath)
	} else {
		cfg, path, err = config.LoadAuto()
	}

	if err != nil {
		if a.verbose {
			fmt.Fprintln(stderr, warnText("Warning:"), "error loading configuration:", err)
			fmt.Fprintln(stderr, "Using default configuration...")
		}
		cfg = config.Defaults().WithURL(FallbackURL)
	} else if a.verbose && path != "" {
		fmt.Fprintln(stderr, "Loaded configuration from", path)
	}

	if a.url != "" {
		cfg = cfg.WithURL(a.url)
	}
	if a.templateDir != "" {
		cfg.Templates.Directory = a.templateDir
	}
	if a.verbose {
		cfg.Observability.LogLevel = "debug"
		fmt.Fprintln(stderr, "Using ComfyUI server:", cfg.ComfyUI.URL)
	}
	return cfg
}

// consoleLogger returns a human-readable stderr logger. One-shot commands
// only log warnings unless --verbose is set.
func (a *app) consoleLogger() *zap.Logger {
	level := "warn"
	if a.verbose {
		level = "debug"
	}
	logger, err := observability.NewConsoleLogger(level)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// services is the object graph shared by the commands.
type services struct {
	client    *backend.Client
	backend   *backend.Retrying
	templates *template.Manager
	generator *orchestrator.Generator
	registry  *tools.Registry
}

// Close releases the backend session.
func (s *services) Close() error { return s.client.Close() }

// buildServices wires the backend client, template manager, generator and
// tool registry from the loaded configuration. A missing template directory
// is logged and leaves the template-backed operations unavailable.
func (a *app) buildServices(logger *zap.Logger, metrics *observability.Metrics, progress orchestrator.ProgressFunc) *services {
	cfg := a.cfg
	client := backend.NewClient(cfg.ComfyUI,
		backend.WithLogger(logger),
		backend.WithMetrics(metrics),
		backend.WithBreaker(backend.NewCircuitBreakerFromConfig(cfg.CircuitBreaker)),
	)
	retrying := backend.NewRetrying(client, cfg.Retry)

	s := &services{client: client, backend: retrying}

	var (
		source    orchestrator.TemplateSource
		toolTmpls tools.Templates
	)
	manager, err := template.NewManager(cfg.Templates.Directory, logger, metrics)
	if err != nil {
		logger.Info("templates unavailable", zap.String("directory", cfg.Templates.Directory), zap.Error(err))
	} else {
		s.templates = manager
		source = manager
		toolTmpls = manager
	}

	awaiter := orchestrator.NewFallbackAwaiter(
		backend.NewProgressWatcher(client),
		orchestrator.NewQueuePoller(retrying, cfg.Server.PollInterval),
		logger,
	)
	opts := []orchestrator.GeneratorOption{
		orchestrator.WithAwaiter(awaiter),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}
	if progress != nil {
		opts = append(opts, orchestrator.WithProgress(progress))
	}
	s.generator = orchestrator.NewGenerator(retrying, source, opts...)

	s.registry = tools.NewRegistry(tools.Deps{
		Backend:   retrying,
		Generator: s.generator,
		Templates: toolTmpls,
	}, tools.WithLogger(logger), tools.WithMetrics(metrics))
	return s
}
