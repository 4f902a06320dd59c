package session

import (
	"context"
	"encoding/json"
	"fmt"
)

// SessionOptions configures a Session. CodeSnippet handlers left nil are not subscribed.
type SessionOptions struct {
	ConnectionOptions
	CodeSnippet CodeSnippetOptions
}

// Session is a Connection with the runtime managers bound to it.
type Session struct {
	*Connection

	codeSnippetOpts CodeSnippetOptions

	codeSnippet *CodeSnippet
	filesystem  *Filesystem
	terminal    *Terminal
	process     *ProcessManager
}

func New(opts SessionOptions) *Session {
	s := &Session{
		Connection:      NewConnection(opts.ConnectionOptions),
		codeSnippetOpts: opts.CodeSnippet,
	}
	s.codeSnippet = &CodeSnippet{session: s}
	s.filesystem = &Filesystem{session: s}
	s.terminal = &Terminal{session: s}
	s.process = &ProcessManager{session: s}
	return s
}

// Open opens the connection and subscribes the code snippet handlers.
func (s *Session) Open(ctx context.Context) error {
	if err := s.Connection.Open(ctx); err != nil {
		return err
	}
	opts := s.codeSnippetOpts
	_, err := s.HandleSubscriptions(ctx,
		Subscription(s.Connection, codeSnippetService, opts.OnStateChange, "state"),
		Subscription(s.Connection, codeSnippetService, opts.OnStderr, "stderr"),
		Subscription(s.Connection, codeSnippetService, opts.OnStdout, "stdout"),
		Subscription(s.Connection, codeSnippetService, opts.OnScanPorts, "scanOpenedPorts"),
	)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to subscribe code snippet handlers: %w", err)
	}
	return nil
}

func (s *Session) CodeSnippet() *CodeSnippet { return s.codeSnippet }
func (s *Session) Filesystem() *Filesystem   { return s.filesystem }
func (s *Session) Terminal() *Terminal       { return s.terminal }
func (s *Session) Process() *ProcessManager  { return s.process }

// callInto performs a call and decodes its result into out when out is non-nil.
func (s *Session) callInto(ctx context.Context, out any, service, method string, params ...any) error {
	result, err := s.Call(ctx, service, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", rpcMethod(service, method), err)
	}
	return nil
}
