// ABOUTME: Entry point for burrow-agent, the control agent run next to each target runtime
// ABOUTME: "attach" bootstraps (reload or spawn); "serve" runs the agent until the runtime exits

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/burrow/internal/agent"
	"github.com/2389/burrow/internal/config"
)

// Version is set at build time.
var version = "dev"

func usage() {
	fmt.Println("Usage: burrow-agent <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  attach    Reload the agent serving --pid, or start one")
	fmt.Println("  serve     Run the agent in the foreground")
	fmt.Println("  version   Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "attach":
		err = runAttach(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by attach and serve.
type commonFlags struct {
	pid           int
	registerPID   int
	controllerURL string
	args          string
	argsFile      string
	tmpDir        string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&c.pid, "pid", 0, "target runtime PID as seen from this namespace")
	fs.IntVar(&c.registerPID, "register-pid", 0, "PID the controller knows the runtime by (defaults to --pid)")
	fs.StringVar(&c.controllerURL, "controller", "", "controller base URL to register with")
	fs.StringVar(&c.args, "args", "", "boot arguments (k=v,...)")
	fs.StringVar(&c.argsFile, "args-file", "", "file holding the boot arguments")
	fs.StringVar(&c.tmpDir, "tmpdir", os.TempDir(), "directory for the marker file")
}

// bootArgs returns the boot argument string from --args or --args-file.
func (c *commonFlags) bootArgs() (string, error) {
	if c.argsFile == "" {
		return c.args, nil
	}
	data, err := os.ReadFile(c.argsFile)
	if err != nil {
		return "", fmt.Errorf("reading args file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *commonFlags) validate() error {
	if c.pid <= 0 {
		return errors.New("--pid is required")
	}
	if c.registerPID <= 0 {
		c.registerPID = c.pid
	}
	return nil
}

// newLogger writes text logs to stderr at the boot argument's level.
func newLogger(args config.AgentArgs) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	if args.LogLevel != "" {
		l, err := config.ParseLevel(args.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		level.Set(l)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(config.LevelName(l))
				}
			}
			return a
		},
	})
	return slog.New(handler), level, nil
}

func parseCommon(name string, argv []string, extra func(fs *flag.FlagSet)) (*commonFlags, config.AgentArgs, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var c commonFlags
	c.register(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(argv); err != nil {
		return nil, config.AgentArgs{}, err
	}
	if err := c.validate(); err != nil {
		return nil, config.AgentArgs{}, err
	}
	raw, err := c.bootArgs()
	if err != nil {
		return nil, config.AgentArgs{}, err
	}
	args, err := config.ParseAgentArgs(raw)
	if err != nil {
		return nil, config.AgentArgs{}, fmt.Errorf("boot arguments: %w", err)
	}
	c.args = raw
	return &c, args, nil
}

func runAttach(ctx context.Context, argv []string) error {
	var timeout time.Duration
	c, args, err := parseCommon("attach", argv, func(fs *flag.FlagSet) {
		fs.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for a new agent to start")
	})
	if err != nil {
		return err
	}
	logger, _, err := newLogger(args)
	if err != nil {
		return err
	}

	res, err := agent.Bootstrap(ctx, agent.BootstrapOptions{
		PID:           c.pid,
		RegisterPID:   c.registerPID,
		ControllerURL: c.controllerURL,
		Args:          c.args,
		TmpDir:        c.tmpDir,
		StartTimeout:  timeout,
	}, logger)
	if err != nil {
		return err
	}

	if res.Reloaded {
		fmt.Printf("reloaded agent at %s\n", res.Addr)
	} else {
		fmt.Printf("started agent %d at %s\n", res.AgentPID, res.Addr)
	}
	return nil
}

func runServe(ctx context.Context, argv []string) error {
	c, args, err := parseCommon("serve", argv, nil)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(args)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Options{
		TargetPID:     c.registerPID,
		NSPID:         c.pid,
		ControllerURL: c.controllerURL,
		Args:          args,
		Version:       version,
		TmpDir:        c.tmpDir,
		Level:         level,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}
	logger.Info("agent running", "pid", c.pid, "register_pid", c.registerPID, "version", version)

	watchErr := a.WatchTarget(ctx, 2*time.Second)
	if errors.Is(watchErr, context.Canceled) {
		logger.Info("shutting down agent")
		watchErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		return errors.Join(watchErr, fmt.Errorf("stopping agent: %w", err))
	}
	return watchErr
}
