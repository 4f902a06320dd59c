// Package main is a command line client for the devbook sandbox API and runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	zapRaw "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"

	"github.com/devbookhq/devbook-go/pkg/api/client"
	"github.com/devbookhq/devbook-go/pkg/config"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/logs"
)

var errUsage = errors.New("usage")

const usage = `Usage: devbook [global flags] <command> [args]

Commands:
  create                      create a sandbox
  list                        list sandboxes
  get <sandboxID>             describe a sandbox
  kill <sandboxID>            kill a sandbox
  timeout <sandboxID> <sec>   set the remaining lifetime of a sandbox
  refresh <sandboxID>         keep a sandbox alive a little longer
  pause <sandboxID>           pause a sandbox
  resume <sandboxID>          resume a paused sandbox
  keys list|create|delete     manage API keys
  exec <sandboxID> <cmd...>   run a process and print its output
  run <sandboxID> <code>      run a code snippet and print its output
  fs ls|cat|write|rm          work with sandbox files

Global flags:
`

type app struct {
	cfg    *config.Config
	client *client.Client
	// rpcURL is a runtime endpoint template where %s is the sandbox ID.
	rpcURL string
	out    io.Writer
}

func main() {
	ctx := signals.SetupSignalHandler()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("devbook", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	cfg.BindFlags(fs)
	var rpcURL string
	var verbose bool
	fs.StringVar(&rpcURL, "rpc-url", "", "Runtime endpoint, %s is replaced by the sandbox ID (default wss://<port>-<sandboxID>.<domain>/ws)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "Log requests and RPC calls")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}
	setupLogger(stderr, verbose)

	c, err := client.NewFromConfig(cfg, nil)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, client: c, rpcURL: rpcURL, out: stdout}
	command, rest := fs.Arg(0), fs.Args()[1:]
	ctx = logs.NewContextFrom(ctx, "command", command)

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		fs.Usage()
		return errUsage
	}
	return cmd(ctx, a, rest)
}

// setupLogger backs klog with a console zap logger. Only warnings and errors are shown unless verbose.
func setupLogger(w io.Writer, verbose bool) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.Level(-consts.DebugLogLevel)
	}
	encoderConfig := zapRaw.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), zapRaw.NewAtomicLevelAt(level))
	klog.SetLogger(zapr.NewLogger(zapRaw.New(core)))
}

func (a *app) sandboxRPCURL(sandboxID string) string {
	if a.rpcURL == "" {
		return ""
	}
	if strings.Contains(a.rpcURL, "%s") {
		return fmt.Sprintf(a.rpcURL, sandboxID)
	}
	return a.rpcURL
}
