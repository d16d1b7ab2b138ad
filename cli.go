package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"sdforge/core"
	"sdforge/logging"
	"sdforge/sdruntime"
	"sdforge/shutdown"
)

const description = `sdforge generates images from a text prompt with a Stable Diffusion pipeline.

The pipeline runs in-process (procedural backend), against an Automatic1111
WebUI (a1111) or any OpenAI-compatible image API (openai, e.g. LocalAI).
Settings come from flags, then SDFORGE_* environment variables and .env files.

Version: ${version}
`

// Globals are flags shared by every command.
type Globals struct {
	Backend    string `help:"Model backend: procedural, a1111 or openai." placeholder:"NAME"`
	BackendURL string `name:"backend-url" help:"Server URL for remote backends." placeholder:"URL"`
	HistoryDB  string `name:"history-db" help:"SQLite file recording every generated image." type:"path" placeholder:"FILE"`
	LogLevel   string `name:"log-level" help:"debug, info, warn or error." placeholder:"LEVEL"`
	LogFile    string `name:"log-file" help:"Also write JSON logs to this rotated file." type:"path" placeholder:"FILE"`
	Dev        bool   `help:"Human-readable debug logging."`
}

// CLI is the kong command tree.
type CLI struct {
	Globals `embed:""`

	Version kong.VersionFlag `help:"Print version information and exit."`

	Generate GenerateCmd `cmd:"" default:"withargs" help:"Generate images (default command)."`
	History  HistoryCmd  `cmd:"" help:"Show recorded generations."`
}

// app carries what every command needs after flag parsing.
type app struct {
	cfg      *core.Config
	logger   *logging.Logger
	shutdown *shutdown.Manager
	stdout   io.Writer
	stderr   io.Writer
}

// errExit ends a command with a specific exit code.
type errExit struct {
	code int
	err  error
}

func (e *errExit) Error() string { return e.err.Error() }
func (e *errExit) Unwrap() error { return e.err }

// kongExit stops parsing after kong printed help or the version.
type kongExit struct{ code int }

// run parses args, executes the selected command and returns the process
// exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) (code int) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("sdforge"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.Vars{"version": core.GetVersionInfo()},
		kong.Exit(func(code int) { panic(kongExit{code}) }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "sdforge: %v\n", err)
		return core.ExitCodeError
	}

	defer func() {
		if r := recover(); r != nil {
			exit, ok := r.(kongExit)
			if !ok {
				panic(r)
			}
			code = exit.code
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "sdforge: error: %v\n", err)
		return core.ExitCodeInvalidParams
	}

	a, err := newApp(ctx, &cli.Globals, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "sdforge: %v\n", err)
		return exitCodeFor(err)
	}

	err = kctx.Run(a)
	code = exitCodeFor(err)
	if sigCode, ok := a.shutdown.ExitCode(); ok {
		code = sigCode
	}
	if err != nil {
		a.logger.Error("Command failed",
			zap.Error(err),
			zap.Int("exit_code", code),
			zap.String("exit", core.ExitCodeName(code)),
		)
	}

	// The logger is flushed by the last cleanup, so log before this.
	if serr := a.shutdown.Shutdown(); serr != nil && code == core.ExitCodeSuccess {
		code = core.ExitCodeError
	}
	return code
}

// newApp loads the environment configuration, applies global flags and
// starts logging and signal handling.
func newApp(ctx context.Context, g *Globals, stdout, stderr io.Writer) (*app, error) {
	cfg, err := core.LoadConfig()
	if err != nil {
		return nil, err
	}
	g.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.DevMode,
		Level:       cfg.LogLevel,
		FilePath:    cfg.LogFile,
		Console:     stderr,
	})
	if err != nil {
		return nil, core.ErrInvalidValue("SDFORGE_LOG_LEVEL", cfg.LogLevel, err.Error())
	}

	mgr := shutdown.NewManager(logger.Zap().Named("shutdown"), shutdown.WithParent(ctx))
	mgr.Start()
	mgr.Register("logger", 90, func(context.Context) error {
		logger.Sync()
		return nil
	})

	logger.Debug("Configuration loaded",
		zap.String("backend", cfg.Backend),
		zap.String("backend_url", cfg.BackendURL),
		zap.String("output_dir", cfg.OutputDir),
		zap.String("history_db", cfg.HistoryDB),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Bool("dev_mode", cfg.DevMode),
		zap.String("version", core.GetVersionInfo()),
	)

	return &app{cfg: cfg, logger: logger, shutdown: mgr, stdout: stdout, stderr: stderr}, nil
}

func (g *Globals) apply(cfg *core.Config) {
	if g.Backend != "" {
		cfg.Backend = g.Backend
	}
	if g.BackendURL != "" {
		cfg.BackendURL = g.BackendURL
	}
	if g.HistoryDB != "" {
		cfg.HistoryDB = g.HistoryDB
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogFile != "" {
		cfg.LogFile = g.LogFile
	}
	if g.Dev {
		cfg.DevMode = true
	}
}

// exitCodeFor maps a command error to an exit code. Configuration errors and
// anything unexpected exit with 1.
func exitCodeFor(err error) int {
	var exit *errExit
	switch {
	case err == nil:
		return core.ExitCodeSuccess
	case errors.As(err, &exit):
		return exit.code
	case errors.Is(err, sdruntime.ErrInvalidParameter):
		return core.ExitCodeInvalidParams
	case sdruntime.IsProvisioningError(err):
		return core.ExitCodeProvisioning
	case errors.Is(err, sdruntime.ErrInference), errors.Is(err, sdruntime.ErrPipelineBusy),
		errors.Is(err, sdruntime.ErrPipelineClosed):
		return core.ExitCodeInference
	case errors.Is(err, sdruntime.ErrPersistence):
		return core.ExitCodePartialPersistence
	default:
		return core.ExitCodeError
	}
}
