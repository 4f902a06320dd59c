package session

import "context"

type CodeSnippetExecState string

const (
	CodeSnippetExecStateRunning CodeSnippetExecState = "Running"
	CodeSnippetExecStateStopped CodeSnippetExecState = "Stopped"
)

type OutType string

const (
	OutTypeStdout OutType = "Stdout"
	OutTypeStderr OutType = "Stderr"
)

// OutResponse is one line of output produced inside the sandbox.
type OutResponse struct {
	Type OutType `json:"type"`
	Line string  `json:"line"`
	// Unix epoch in nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

type OpenPort struct {
	State string `json:"State"`
	IP    string `json:"Ip"`
	Port  int    `json:"Port"`
}

type CodeSnippetOptions struct {
	OnStateChange func(CodeSnippetExecState)
	OnStdout      func(OutResponse)
	OnStderr      func(OutResponse)
	OnScanPorts   func([]OpenPort)
}

type CodeSnippet struct {
	session *Session
}

// Run starts code in the sandbox. A nil envVars is sent as an empty object.
func (c *CodeSnippet) Run(ctx context.Context, code string, envVars map[string]string) (CodeSnippetExecState, error) {
	if envVars == nil {
		envVars = map[string]string{}
	}
	var state CodeSnippetExecState
	if err := c.session.callInto(ctx, &state, codeSnippetService, "run", code, envVars); err != nil {
		return "", err
	}
	c.stateChanged(state)
	return state, nil
}

func (c *CodeSnippet) Stop(ctx context.Context) (CodeSnippetExecState, error) {
	var state CodeSnippetExecState
	if err := c.session.callInto(ctx, &state, codeSnippetService, "stop"); err != nil {
		return "", err
	}
	c.stateChanged(state)
	return state, nil
}

func (c *CodeSnippet) stateChanged(state CodeSnippetExecState) {
	if h := c.session.codeSnippetOpts.OnStateChange; h != nil {
		h(state)
	}
}
