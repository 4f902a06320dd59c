package session

import (
	"context"
	"encoding/json"
	"sync"

	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/utils/settled"
)

const defaultRootDir = "/"

type ProcessOptions struct {
	Cmd      string
	OnStdout func(OutResponse)
	OnStderr func(OutResponse)
	OnExit   func()
	EnvVars  map[string]string
	// RootDir defaults to "/".
	RootDir string
	// ProcessID defaults to a random ID.
	ProcessID string
}

type ProcessManager struct {
	session *Session
}

// Process is a command started in the sandbox.
type Process struct {
	ID string

	session     *Session
	exitOnce    sync.Once
	exited      chan struct{}
	unsubscribe chan struct{}
}

// Start subscribes the output handlers and starts the process. The exit subscription is
// always made so that Done is closed when the process ends.
func (m *ProcessManager) Start(ctx context.Context, opts ProcessOptions) (*Process, error) {
	id := opts.ProcessID
	if id == "" {
		id = rand.String(idLength)
	}
	if opts.RootDir == "" {
		opts.RootDir = defaultRootDir
	}
	if opts.EnvVars == nil {
		opts.EnvVars = map[string]string{}
	}
	p := &Process{
		ID:          id,
		session:     m.session,
		exited:      make(chan struct{}),
		unsubscribe: make(chan struct{}),
	}

	conn := m.session.Connection
	subIDs, err := conn.HandleSubscriptions(ctx,
		func(ctx context.Context) (string, error) {
			return conn.Subscribe(ctx, processService, func(json.RawMessage) { p.triggerExit() }, "onExit", id)
		},
		Subscription(conn, processService, opts.OnStdout, "onStdout", id),
		Subscription(conn, processService, opts.OnStderr, "onStderr", id),
	)
	if err != nil {
		return nil, err
	}

	log := klog.FromContext(ctx).WithValues("processID", id)
	unsubscribeCtx := context.WithoutCancel(ctx)
	go func() {
		<-p.exited
		results := settled.SettleErrors(unsubscribeAll(unsubscribeCtx, conn, subIDs)...)
		if msg := settled.FormatErrors(results); msg != "" {
			log.Error(nil, "failed to unsubscribe process", "errors", msg)
		}
		if opts.OnExit != nil {
			opts.OnExit()
		}
		close(p.unsubscribe)
	}()

	if err := m.session.callInto(ctx, nil, processService, "start", id, opts.Cmd, opts.EnvVars, opts.RootDir); err != nil {
		p.triggerExit()
		<-p.unsubscribe
		return nil, err
	}
	return p, nil
}

func (p *Process) triggerExit() {
	p.exitOnce.Do(func() { close(p.exited) })
}

// Done is closed after the process exited and its handlers were removed.
func (p *Process) Done() <-chan struct{} {
	return p.unsubscribe
}

// Kill kills the process and waits for its handlers to be removed, even when the kill call fails.
func (p *Process) Kill(ctx context.Context) error {
	err := p.session.callInto(ctx, nil, processService, "kill", p.ID)
	p.triggerExit()
	select {
	case <-p.unsubscribe:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (p *Process) SendStdin(ctx context.Context, data string) error {
	return p.session.callInto(ctx, nil, processService, "stdin", p.ID, data)
}
