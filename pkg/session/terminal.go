package session

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/utils/settled"
)

const idLength = 12

type Size struct {
	Cols int
	Rows int
}

type ChildProcess struct {
	PID int    `json:"pid"`
	Cmd string `json:"cmd"`
}

type TerminalOptions struct {
	// OnData is required and receives raw terminal output.
	OnData                 func(string)
	OnChildProcessesChange func([]ChildProcess)
	Size                   Size
	// TerminalID defaults to a random ID.
	TerminalID string
}

type Terminal struct {
	session *Session
}

type TerminalSession struct {
	ID string

	session *Session
	subIDs  []string
}

func (t *Terminal) KillProcess(ctx context.Context, pid int) error {
	return t.session.callInto(ctx, nil, terminalService, "killProcess", pid)
}

func (t *Terminal) CreateSession(ctx context.Context, opts TerminalOptions) (*TerminalSession, error) {
	if opts.OnData == nil {
		return nil, errors.New("terminal data handler is required")
	}
	id := opts.TerminalID
	if id == "" {
		id = rand.String(idLength)
	}
	conn := t.session.Connection
	subIDs, err := conn.HandleSubscriptions(ctx,
		Subscription(conn, terminalService, opts.OnData, "onData", id),
		Subscription(conn, terminalService, opts.OnChildProcessesChange, "onChildProcessesChange", id),
	)
	if err != nil {
		return nil, err
	}

	if err := t.session.callInto(ctx, nil, terminalService, "start", id, opts.Size.Cols, opts.Size.Rows); err != nil {
		results := settled.SettleErrors(unsubscribeAll(context.WithoutCancel(ctx), conn, subIDs)...)
		if msg := settled.FormatErrors(results); msg != "" {
			klog.FromContext(ctx).Error(nil, "failed to unsubscribe terminal", "terminalID", id, "errors", msg)
		}
		return nil, err
	}
	return &TerminalSession{ID: id, session: t.session, subIDs: subIDs}, nil
}

func (ts *TerminalSession) SendData(ctx context.Context, data string) error {
	return ts.session.callInto(ctx, nil, terminalService, "data", ts.ID, data)
}

func (ts *TerminalSession) Resize(ctx context.Context, size Size) error {
	return ts.session.callInto(ctx, nil, terminalService, "resize", ts.ID, size.Cols, size.Rows)
}

// Destroy unsubscribes the terminal handlers and destroys the terminal, reporting every failure.
func (ts *TerminalSession) Destroy(ctx context.Context) error {
	fns := unsubscribeAll(ctx, ts.session.Connection, ts.subIDs)
	fns = append(fns, func() error {
		return ts.session.callInto(ctx, nil, terminalService, "destroy", ts.ID)
	})
	_, err := settled.Evaluate(settled.SettleErrors(fns...))
	return err
}

func unsubscribeAll(ctx context.Context, conn *Connection, subIDs []string) []func() error {
	fns := make([]func() error, 0, len(subIDs))
	for _, id := range subIDs {
		if id == "" {
			continue
		}
		fns = append(fns, func() error { return conn.Unsubscribe(ctx, id) })
	}
	return fns
}
