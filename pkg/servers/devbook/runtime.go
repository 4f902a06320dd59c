package devbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

const (
	codeSnippetService = "codeSnippet"
	filesystemService  = "filesystem"
	terminalService    = "terminal"
	processService     = "process"
)

const (
	stateRunning = "Running"
	stateStopped = "Stopped"

	outStdout = "Stdout"
	outStderr = "Stderr"

	// commands starting with interactiveCmd echo their stdin until killed.
	interactiveCmd = "cat"
	stderrPrefix   = "stderr:"
)

var ErrInvalidAccessToken = errors.New("invalid access token")

type outResponse struct {
	Type      string `json:"type"`
	Line      string `json:"line"`
	Timestamp int64  `json:"timestamp"`
}

type fileInfo struct {
	IsDir bool   `json:"isDir"`
	Name  string `json:"name"`
}

type terminal struct {
	cols, rows int
}

type process struct {
	cmd         string
	interactive bool
}

// rpcHandler returns the call result and an optional follow-up that runs after the reply is sent.
type rpcHandler func(rt *Runtime, params []json.RawMessage) (result any, after func(), err error)

var rpcHandlers = map[string]rpcHandler{
	"codeSnippet_run":         (*Runtime).runCode,
	"codeSnippet_stop":        (*Runtime).stopCode,
	"filesystem_listAllFiles": (*Runtime).listAllFiles,
	"filesystem_readFile":     (*Runtime).readFile,
	"filesystem_writeFile":    (*Runtime).writeFile,
	"filesystem_removeFile":   (*Runtime).removeFile,
	"terminal_start":          (*Runtime).startTerminal,
	"terminal_data":           (*Runtime).terminalData,
	"terminal_resize":         (*Runtime).resizeTerminal,
	"terminal_destroy":        (*Runtime).destroyTerminal,
	"terminal_killProcess":    (*Runtime).killTerminalProcess,
	"process_start":           (*Runtime).startProcess,
	"process_stdin":           (*Runtime).processStdin,
	"process_kill":            (*Runtime).killProcess,
}

// Runtime is the state behind the JSON-RPC endpoint of one sandbox.
type Runtime struct {
	sandboxID string
	envVars   map[string]string
	now       func() time.Time

	mu           sync.Mutex
	closed       bool
	snippetState string
	files        map[string]string
	terminals    map[string]*terminal
	processes    map[string]*process
	conns        map[*rpcConn]struct{}
}

func NewRuntime(sandboxID string, envVars map[string]string) *Runtime {
	return &Runtime{
		sandboxID:    sandboxID,
		envVars:      envVars,
		now:          time.Now,
		snippetState: stateStopped,
		files:        make(map[string]string),
		terminals:    make(map[string]*terminal),
		processes:    make(map[string]*process),
		conns:        make(map[*rpcConn]struct{}),
	}
}

func (rt *Runtime) attach(c *rpcConn) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, rt.sandboxID)
	}
	rt.conns[c] = struct{}{}
	return nil
}

func (rt *Runtime) detach(c *rpcConn) {
	rt.mu.Lock()
	delete(rt.conns, c)
	rt.mu.Unlock()
}

// Disconnect drops every client connection. Clients may connect again.
func (rt *Runtime) Disconnect() {
	rt.mu.Lock()
	conns := make([]*rpcConn, 0, len(rt.conns))
	for c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Close drops every connection and refuses new ones.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()
	rt.Disconnect()
}

func (rt *Runtime) Connections() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

// publish sends result to every connection subscribed to service/topic for key.
func (rt *Runtime) publish(service, topic, key string, result any) {
	rt.mu.Lock()
	conns := make([]*rpcConn, 0, len(rt.conns))
	for c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()
	for _, c := range conns {
		c.notify(service, topic, key, result)
	}
}

func (rt *Runtime) out(kind, line string) outResponse {
	return outResponse{Type: kind, Line: line, Timestamp: rt.now().UnixNano()}
}

func (rt *Runtime) expand(s string, env map[string]string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := env[name]; ok {
			return v
		}
		return rt.envVars[name]
	})
}

// Call runs method with params.
func (rt *Runtime) Call(method string, params []json.RawMessage) (any, func(), *models.Error) {
	handler, ok := rpcHandlers[method]
	if !ok {
		return nil, nil, models.NewError(codeMethodNotFound, fmt.Sprintf("the method %s does not exist/is not available", method))
	}
	result, after, err := handler(rt, params)
	if err != nil {
		var rpcErr *models.Error
		if errors.As(err, &rpcErr) {
			return nil, nil, rpcErr
		}
		return nil, nil, models.NewError(codeServerError, err.Error())
	}
	return result, after, nil
}

func param[T any](params []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(params) {
		return v, models.NewError(codeInvalidParams, fmt.Sprintf("missing value for required argument %d", i))
	}
	if err := json.Unmarshal(params[i], &v); err != nil {
		return v, models.NewError(codeInvalidParams, fmt.Sprintf("invalid argument %d: %v", i, err))
	}
	return v, nil
}

// optionalParam is param for trailing arguments that may be omitted.
func optionalParam[T any](params []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(params) {
		return v, nil
	}
	return param[T](params, i)
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

func (rt *Runtime) runCode(params []json.RawMessage) (any, func(), error) {
	code, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	env, err := optionalParam[map[string]string](params, 1)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	rt.snippetState = stateRunning
	rt.mu.Unlock()
	return stateRunning, func() {
		for _, line := range strings.Split(strings.TrimRight(code, "\n"), "\n") {
			line = rt.expand(line, env)
			if rest, ok := strings.CutPrefix(line, stderrPrefix); ok {
				rt.publish(codeSnippetService, "stderr", "", rt.out(outStderr, strings.TrimSpace(rest)))
				continue
			}
			rt.publish(codeSnippetService, "stdout", "", rt.out(outStdout, line))
		}
		rt.mu.Lock()
		rt.snippetState = stateStopped
		rt.mu.Unlock()
		rt.publish(codeSnippetService, "state", "", stateStopped)
	}, nil
}

func (rt *Runtime) stopCode([]json.RawMessage) (any, func(), error) {
	rt.mu.Lock()
	wasRunning := rt.snippetState == stateRunning
	rt.snippetState = stateStopped
	rt.mu.Unlock()
	if !wasRunning {
		return stateStopped, nil, nil
	}
	return stateStopped, func() {
		rt.publish(codeSnippetService, "state", "", stateStopped)
	}, nil
}

func (rt *Runtime) listAllFiles(params []json.RawMessage) (any, func(), error) {
	dir, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	prefix := strings.TrimSuffix(cleanPath(dir), "/") + "/"
	dirs, files := sets.New[string](), sets.New[string]()
	rt.mu.Lock()
	for p := range rt.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		if name, _, nested := strings.Cut(rest, "/"); nested {
			dirs.Insert(name)
		} else {
			files.Insert(rest)
		}
	}
	rt.mu.Unlock()
	result := make([]fileInfo, 0, dirs.Len()+files.Len())
	for _, name := range sets.List(dirs) {
		result = append(result, fileInfo{IsDir: true, Name: name})
	}
	for _, name := range sets.List(files) {
		result = append(result, fileInfo{Name: name})
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil, nil
}

func (rt *Runtime) readFile(params []json.RawMessage) (any, func(), error) {
	p, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	content, ok := rt.files[cleanPath(p)]
	if !ok {
		return nil, nil, fmt.Errorf("open %s: no such file or directory", cleanPath(p))
	}
	return content, nil, nil
}

func (rt *Runtime) writeFile(params []json.RawMessage) (any, func(), error) {
	p, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	content, err := param[string](params, 1)
	if err != nil {
		return nil, nil, err
	}
	if cleanPath(p) == "/" {
		return nil, nil, errors.New("cannot write to /")
	}
	rt.mu.Lock()
	rt.files[cleanPath(p)] = content
	rt.mu.Unlock()
	return nil, nil, nil
}

// removeFile removes a file, or a directory with everything under it.
func (rt *Runtime) removeFile(params []json.RawMessage) (any, func(), error) {
	p, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	target := cleanPath(p)
	prefix := strings.TrimSuffix(target, "/") + "/"
	removed := 0
	rt.mu.Lock()
	for name := range rt.files {
		if name == target || strings.HasPrefix(name, prefix) {
			delete(rt.files, name)
			removed++
		}
	}
	rt.mu.Unlock()
	if removed == 0 {
		return nil, nil, fmt.Errorf("remove %s: no such file or directory", target)
	}
	return nil, nil, nil
}

func (rt *Runtime) startTerminal(params []json.RawMessage) (any, func(), error) {
	id, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	cols, err := optionalParam[int](params, 1)
	if err != nil {
		return nil, nil, err
	}
	rows, err := optionalParam[int](params, 2)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.terminals[id]; ok {
		return nil, nil, fmt.Errorf("terminal %s already exists", id)
	}
	rt.terminals[id] = &terminal{cols: cols, rows: rows}
	return nil, nil, nil
}

func (rt *Runtime) terminal(params []json.RawMessage) (string, *terminal, error) {
	id, err := param[string](params, 0)
	if err != nil {
		return "", nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	term, ok := rt.terminals[id]
	if !ok {
		return "", nil, fmt.Errorf("terminal %s not found", id)
	}
	return id, term, nil
}

// terminalData echoes the input back as terminal output.
func (rt *Runtime) terminalData(params []json.RawMessage) (any, func(), error) {
	id, _, err := rt.terminal(params)
	if err != nil {
		return nil, nil, err
	}
	data, err := param[string](params, 1)
	if err != nil {
		return nil, nil, err
	}
	return nil, func() { rt.publish(terminalService, "onData", id, data) }, nil
}

func (rt *Runtime) resizeTerminal(params []json.RawMessage) (any, func(), error) {
	_, term, err := rt.terminal(params)
	if err != nil {
		return nil, nil, err
	}
	cols, err := param[int](params, 1)
	if err != nil {
		return nil, nil, err
	}
	rows, err := param[int](params, 2)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	term.cols, term.rows = cols, rows
	rt.mu.Unlock()
	return nil, nil, nil
}

func (rt *Runtime) destroyTerminal(params []json.RawMessage) (any, func(), error) {
	id, _, err := rt.terminal(params)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	delete(rt.terminals, id)
	rt.mu.Unlock()
	return nil, nil, nil
}

// killTerminalProcess accepts any pid; terminals here never spawn children.
func (rt *Runtime) killTerminalProcess(params []json.RawMessage) (any, func(), error) {
	if _, err := param[int](params, 0); err != nil {
		return nil, nil, err
	}
	return nil, nil, nil
}

func (rt *Runtime) startProcess(params []json.RawMessage) (any, func(), error) {
	id, err := param[string](params, 0)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := param[string](params, 1)
	if err != nil {
		return nil, nil, err
	}
	env, err := optionalParam[map[string]string](params, 2)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cmd) == "" {
		return nil, nil, models.NewError(codeInvalidParams, "cmd is required")
	}
	proc := &process{cmd: cmd, interactive: strings.Fields(cmd)[0] == interactiveCmd}
	rt.mu.Lock()
	if _, ok := rt.processes[id]; ok {
		rt.mu.Unlock()
		return nil, nil, fmt.Errorf("process %s already exists", id)
	}
	rt.processes[id] = proc
	rt.mu.Unlock()

	if proc.interactive {
		return nil, nil, nil
	}
	return nil, func() {
		line := rt.expand(strings.TrimPrefix(cmd, "echo "), env)
		rt.publish(processService, "onStdout", id, rt.out(outStdout, line))
		rt.exitProcess(id)
	}, nil
}

func (rt *Runtime) exitProcess(id string) {
	rt.mu.Lock()
	delete(rt.processes, id)
	rt.mu.Unlock()
	rt.publish(processService, "onExit", id, nil)
}

func (rt *Runtime) process(params []json.RawMessage) (string, *process, error) {
	id, err := param[string](params, 0)
	if err != nil {
		return "", nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	proc, ok := rt.processes[id]
	if !ok {
		return "", nil, fmt.Errorf("process %s not found", id)
	}
	return id, proc, nil
}

func (rt *Runtime) processStdin(params []json.RawMessage) (any, func(), error) {
	id, proc, err := rt.process(params)
	if err != nil {
		return nil, nil, err
	}
	data, err := param[string](params, 1)
	if err != nil {
		return nil, nil, err
	}
	if !proc.interactive {
		return nil, nil, nil
	}
	return nil, func() {
		rt.publish(processService, "onStdout", id, rt.out(outStdout, strings.TrimRight(data, "\n")))
	}, nil
}

func (rt *Runtime) killProcess(params []json.RawMessage) (any, func(), error) {
	id, _, err := rt.process(params)
	if err != nil {
		return nil, nil, err
	}
	rt.mu.Lock()
	delete(rt.processes, id)
	rt.mu.Unlock()
	return nil, func() { rt.publish(processService, "onExit", id, nil) }, nil
}
