package devbook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawParams(t *testing.T, params ...any) []json.RawMessage {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		data, err := json.Marshal(p)
		require.NoError(t, err)
		raw = append(raw, data)
	}
	return raw
}

func TestRuntime_Filesystem(t *testing.T) {
	rt := NewRuntime("sbx", nil)
	call := func(method string, params ...any) (any, error) {
		result, _, err := rt.Call(method, rawParams(t, params...))
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	_, err := call("filesystem_writeFile", "/code/main.go", "package main")
	require.NoError(t, err)
	_, err = call("filesystem_writeFile", "code/pkg/util.go", "package pkg")
	require.NoError(t, err)
	_, err = call("filesystem_writeFile", "/README.md", "# readme")
	require.NoError(t, err)

	content, err := call("filesystem_readFile", "/code/../code/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", content)

	list, err := call("filesystem_listAllFiles", "/")
	require.NoError(t, err)
	assert.Equal(t, []fileInfo{{Name: "README.md"}, {IsDir: true, Name: "code"}}, list)
	list, err = call("filesystem_listAllFiles", "/code/")
	require.NoError(t, err)
	assert.Equal(t, []fileInfo{{Name: "main.go"}, {IsDir: true, Name: "pkg"}}, list)

	_, err = call("filesystem_removeFile", "/code")
	require.NoError(t, err)
	_, err = call("filesystem_readFile", "/code/main.go")
	assert.ErrorContains(t, err, "no such file")
	_, err = call("filesystem_removeFile", "/code")
	assert.Error(t, err)
	_, err = call("filesystem_writeFile", "/", "x")
	assert.Error(t, err)
}

func TestRuntime_Errors(t *testing.T) {
	rt := NewRuntime("sbx", nil)

	_, _, err := rt.Call("filesystem_format", nil)
	require.NotNil(t, err)
	assert.Equal(t, int32(codeMethodNotFound), err.Code)

	_, _, err = rt.Call("filesystem_readFile", nil)
	require.NotNil(t, err)
	assert.Equal(t, int32(codeInvalidParams), err.Code)

	_, _, err = rt.Call("filesystem_readFile", rawParams(t, 42))
	require.NotNil(t, err)
	assert.Equal(t, int32(codeInvalidParams), err.Code)

	_, _, err = rt.Call("process_kill", rawParams(t, "missing"))
	require.NotNil(t, err)
	assert.Equal(t, int32(codeServerError), err.Code)
	assert.Equal(t, "process missing not found", err.Message)
}

func TestRuntime_Terminal(t *testing.T) {
	rt := NewRuntime("sbx", nil)
	_, _, err := rt.Call("terminal_start", rawParams(t, "term", 80, 24))
	require.Nil(t, err)
	_, _, err = rt.Call("terminal_start", rawParams(t, "term", 80, 24))
	require.NotNil(t, err)

	_, after, err := rt.Call("terminal_data", rawParams(t, "term", "ls"))
	require.Nil(t, err)
	assert.NotNil(t, after)
	_, _, err = rt.Call("terminal_resize", rawParams(t, "term", 120, 40))
	require.Nil(t, err)
	assert.Equal(t, 120, rt.terminals["term"].cols)

	_, _, err = rt.Call("terminal_destroy", rawParams(t, "term"))
	require.Nil(t, err)
	_, _, err = rt.Call("terminal_data", rawParams(t, "term", "ls"))
	assert.NotNil(t, err)
}

func TestRuntime_Process(t *testing.T) {
	rt := NewRuntime("sbx", map[string]string{"NAME": "sandbox"})

	_, after, err := rt.Call("process_start", rawParams(t, "p1", "echo hello $NAME", map[string]string{}, "/"))
	require.Nil(t, err)
	require.NotNil(t, after)
	assert.Contains(t, rt.processes, "p1")
	after()
	assert.NotContains(t, rt.processes, "p1")

	_, after, err = rt.Call("process_start", rawParams(t, "p2", "cat"))
	require.Nil(t, err)
	assert.Nil(t, after)
	_, after, err = rt.Call("process_stdin", rawParams(t, "p2", "ping\n"))
	require.Nil(t, err)
	assert.NotNil(t, after)
	_, _, err = rt.Call("process_kill", rawParams(t, "p2"))
	require.Nil(t, err)
	assert.NotContains(t, rt.processes, "p2")

	_, _, err = rt.Call("process_start", rawParams(t, "p3", "  "))
	require.NotNil(t, err)
	assert.Equal(t, int32(codeInvalidParams), err.Code)
}

func TestRuntime_CodeSnippet(t *testing.T) {
	rt := NewRuntime("sbx", nil)
	result, after, err := rt.Call("codeSnippet_run", rawParams(t, "print(1)", map[string]string{}))
	require.Nil(t, err)
	assert.Equal(t, stateRunning, result)
	assert.Equal(t, stateRunning, rt.snippetState)
	after()
	assert.Equal(t, stateStopped, rt.snippetState)

	result, after, err = rt.Call("codeSnippet_stop", nil)
	require.Nil(t, err)
	assert.Equal(t, stateStopped, result)
	assert.Nil(t, after)
}
