package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/devbookhq/devbook-go/pkg/api/client"
	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/session"
)

type command func(ctx context.Context, a *app, args []string) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"create":  createSandbox,
		"list":    listSandboxes,
		"get":     getSandbox,
		"kill":    killSandbox,
		"timeout": setTimeout,
		"refresh": refreshSandbox,
		"pause":   pauseSandbox,
		"resume":  resumeSandbox,
		"keys":    apiKeys,
		"exec":    execProcess,
		"run":     runCode,
		"fs":      filesystem,
	}
}

func (a *app) print(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

func requireArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("%w: %s", errUsage, usage)
	}
	return nil
}

func createSandbox(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("create", pflag.ContinueOnError)
	request := models.NewSandbox{}
	var timeout int32
	fs.StringVar(&request.TemplateID, "template", "base", "Template of the sandbox")
	fs.Int32Var(&timeout, "timeout", models.DefaultTimeoutSeconds, "Sandbox lifetime in seconds")
	fs.BoolVar(&request.AutoPause, "auto-pause", false, "Pause instead of killing the sandbox on timeout")
	fs.BoolVar(&request.Secure, "secure", false, "Require an access token for the runtime")
	fs.StringToStringVar(&request.Metadata, "metadata", nil, "Metadata as key=value pairs")
	fs.StringToStringVar(&request.EnvVars, "env", nil, "Environment variables as key=value pairs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	request.Timeout = timeout
	sbx, err := a.client.CreateSandbox(ctx, &request)
	if err != nil {
		return err
	}
	return a.print(sbx)
}

func listSandboxes(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	var states []string
	opts := client.ListOptions{}
	fs.StringSliceVar(&states, "state", nil, "Only list sandboxes in these states (running, paused)")
	fs.StringToStringVar(&opts.Metadata, "metadata", nil, "Only list sandboxes with this metadata")
	fs.IntVar(&opts.Limit, "limit", 0, "Maximum number of sandboxes to list")
	fs.StringVar(&opts.NextToken, "next-token", "", "Token of the page to list, printed by the previous list")
	all := fs.Bool("all", false, "Follow next tokens and list every page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, st := range states {
		opts.States = append(opts.States, models.SandboxState(st))
	}
	if *all {
		sandboxes, err := a.client.ListAllSandboxes(ctx, opts)
		if err != nil {
			return err
		}
		return a.print(&client.SandboxPage{Sandboxes: sandboxes})
	}
	page, err := a.client.ListSandboxes(ctx, opts)
	if err != nil {
		return err
	}
	return a.print(page)
}

func getSandbox(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "get <sandboxID>"); err != nil {
		return err
	}
	sbx, err := a.client.GetSandbox(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(sbx)
}

func killSandbox(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "kill <sandboxID>"); err != nil {
		return err
	}
	return a.client.KillSandbox(ctx, args[0])
}

func setTimeout(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 2, "timeout <sandboxID> <seconds>"); err != nil {
		return err
	}
	seconds, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid timeout [%s]: %w", args[1], err)
	}
	return a.client.SetTimeout(ctx, args[0], int32(seconds))
}

func refreshSandbox(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "refresh <sandboxID>"); err != nil {
		return err
	}
	return a.client.RefreshSandbox(ctx, args[0], models.RefreshDuration)
}

func pauseSandbox(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "pause <sandboxID>"); err != nil {
		return err
	}
	return a.client.PauseSandbox(ctx, args[0])
}

func resumeSandbox(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("resume", pflag.ContinueOnError)
	var timeout int32
	fs.Int32Var(&timeout, "timeout", models.DefaultTimeoutSeconds, "Sandbox lifetime in seconds after resuming")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs.Args(), 1, "resume <sandboxID>"); err != nil {
		return err
	}
	sbx, err := a.client.ResumeSandbox(ctx, fs.Arg(0), timeout)
	if err != nil {
		return err
	}
	return a.print(sbx)
}

func apiKeys(ctx context.Context, a *app, args []string) error {
	if err := requireArgs(args, 1, "keys list|create <name>|delete <id>"); err != nil {
		return err
	}
	switch args[0] {
	case "list":
		keys, err := a.client.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		return a.print(keys)
	case "create":
		if err := requireArgs(args, 2, "keys create <name>"); err != nil {
			return err
		}
		key, err := a.client.CreateAPIKey(ctx, args[1])
		if err != nil {
			return err
		}
		return a.print(key)
	case "delete":
		if err := requireArgs(args, 2, "keys delete <id>"); err != nil {
			return err
		}
		return a.client.DeleteAPIKey(ctx, args[1])
	default:
		return fmt.Errorf("%w: unknown keys command %q", errUsage, args[0])
	}
}

// openSession attaches to a running sandbox. The session is closed when ctx is done.
func (a *app) openSession(ctx context.Context, sandboxID, token string, codeSnippet session.CodeSnippetOptions) (*session.Session, error) {
	s := session.New(session.SessionOptions{
		ConnectionOptions: session.ConnectionOptions{
			Client:      a.client,
			SandboxID:   sandboxID,
			AccessToken: token,
			RPCURL:      a.sandboxRPCURL(sandboxID),
		},
		CodeSnippet: codeSnippet,
	})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func sessionFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	token := fs.String("token", "", "Access token of a secure sandbox")
	return fs, token
}

func execProcess(ctx context.Context, a *app, args []string) error {
	fs, token := sessionFlags("exec")
	var rootDir string
	var env map[string]string
	fs.StringVar(&rootDir, "root-dir", "/", "Working directory of the process")
	fs.StringToStringVar(&env, "env", nil, "Environment variables as key=value pairs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs.Args(), 2, "exec <sandboxID> <cmd...>"); err != nil {
		return err
	}
	s, err := a.openSession(ctx, fs.Arg(0), *token, session.CodeSnippetOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	printLine := func(o session.OutResponse) { fmt.Fprintln(a.out, o.Line) }
	proc, err := s.Process().Start(ctx, session.ProcessOptions{
		Cmd:      strings.Join(fs.Args()[1:], " "),
		OnStdout: printLine,
		OnStderr: printLine,
		EnvVars:  env,
		RootDir:  rootDir,
	})
	if err != nil {
		return err
	}
	select {
	case <-proc.Done():
		return nil
	case <-ctx.Done():
		return proc.Kill(context.WithoutCancel(ctx))
	}
}

func runCode(ctx context.Context, a *app, args []string) error {
	fs, token := sessionFlags("run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs.Args(), 2, "run <sandboxID> <code>"); err != nil {
		return err
	}
	stopped := make(chan struct{}, 1)
	printLine := func(o session.OutResponse) { fmt.Fprintln(a.out, o.Line) }
	s, err := a.openSession(ctx, fs.Arg(0), *token, session.CodeSnippetOptions{
		OnStdout: printLine,
		OnStderr: printLine,
		OnStateChange: func(state session.CodeSnippetExecState) {
			if state == session.CodeSnippetExecStateStopped {
				select {
				case stopped <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.CodeSnippet().Run(ctx, strings.Join(fs.Args()[1:], " "), nil); err != nil {
		return err
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		_, err := s.CodeSnippet().Stop(context.WithoutCancel(ctx))
		return err
	}
}

func filesystem(ctx context.Context, a *app, args []string) error {
	fs, token := sessionFlags("fs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	args = fs.Args()
	if err := requireArgs(args, 3, "fs ls|cat|rm <sandboxID> <path> | fs write <sandboxID> <path> <content>"); err != nil {
		return err
	}
	op, sandboxID, path := args[0], args[1], args[2]
	s, err := a.openSession(ctx, sandboxID, *token, session.CodeSnippetOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	switch op {
	case "ls":
		files, err := s.Filesystem().ListAllFiles(ctx, path)
		if err != nil {
			return err
		}
		for _, f := range files {
			name := f.Name
			if f.IsDir {
				name += "/"
			}
			fmt.Fprintln(a.out, name)
		}
		return nil
	case "cat":
		content, err := s.Filesystem().ReadFile(ctx, path)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(a.out, content)
		return err
	case "write":
		if err := requireArgs(args, 4, "fs write <sandboxID> <path> <content>"); err != nil {
			return err
		}
		return s.Filesystem().WriteFile(ctx, path, strings.Join(args[3:], " "))
	case "rm":
		return s.Filesystem().RemoveFile(ctx, path)
	default:
		return fmt.Errorf("%w: unknown fs command %q", errUsage, op)
	}
}
