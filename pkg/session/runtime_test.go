package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeHandler func(params []json.RawMessage) (any, *RPCError)

type fakeSub struct {
	service string
	topic   string
	args    []json.RawMessage
	conn    *websocket.Conn
}

// fakeRuntime is a minimal JSON-RPC runtime served over a websocket.
type fakeRuntime struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	writeMu  sync.Mutex
	handlers map[string]fakeHandler
	after    map[string]func()
	holds    map[string]chan struct{}
	active   int
	subs     map[string]*fakeSub
	calls    []string
	conns    []*websocket.Conn
	headers  []http.Header
	nextSub  int
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	f := &fakeRuntime{
		t:        t,
		handlers: make(map[string]fakeHandler),
		after:    make(map[string]func()),
		holds:    make(map[string]chan struct{}),
		subs:     make(map[string]*fakeSub),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRuntime) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeRuntime) handle(method string, h fakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

// hold delays answering method until release is closed.
func (f *fakeRuntime) hold(method string, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[method] = release
}

// then runs fn right after method has been answered.
func (f *fakeRuntime) then(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after[method] = fn
}

func (f *fakeRuntime) serve(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.headers = append(f.headers, r.Header.Clone())
	f.active++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	defer f.forgetConn(conn)

	for {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.dispatch(conn, req.ID, req.Method, req.Params)
	}
}

func (f *fakeRuntime) dispatch(conn *websocket.Conn, id uint64, method string, params []json.RawMessage) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	handler := f.handlers[method]
	after := f.after[method]
	release := f.holds[method]
	f.mu.Unlock()
	if release != nil {
		<-release
	}

	var result any
	var rpcErr *RPCError
	service, name, _ := strings.Cut(method, methodSeparator)
	switch {
	case name == subscribeMethod:
		var topic string
		_ = json.Unmarshal(params[0], &topic)
		f.mu.Lock()
		f.nextSub++
		subID := fmt.Sprintf("sub-%d", f.nextSub)
		f.subs[subID] = &fakeSub{service: service, topic: topic, args: params[1:], conn: conn}
		f.mu.Unlock()
		result = subID
	case name == unsubscribeMethod:
		var subID string
		_ = json.Unmarshal(params[0], &subID)
		f.mu.Lock()
		delete(f.subs, subID)
		f.mu.Unlock()
		result = true
	case handler != nil:
		result, rpcErr = handler(params)
	}

	msg := map[string]any{"jsonrpc": jsonRPCVersion, "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	f.write(conn, msg)
	if after != nil {
		after()
	}
}

func (f *fakeRuntime) write(conn *websocket.Conn, msg any) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(msg)
}

// push notifies every subscriber of service/topic whose first argument matches arg, if given.
func (f *fakeRuntime) push(service, topic string, result any, arg ...string) int {
	f.mu.Lock()
	type target struct {
		id   string
		conn *websocket.Conn
	}
	var targets []target
	for id, sub := range f.subs {
		if sub.service != service || sub.topic != topic {
			continue
		}
		if len(arg) > 0 {
			var first string
			if len(sub.args) == 0 || json.Unmarshal(sub.args[0], &first) != nil || first != arg[0] {
				continue
			}
		}
		targets = append(targets, target{id: id, conn: sub.conn})
	}
	f.mu.Unlock()
	for _, tg := range targets {
		f.write(tg.conn, map[string]any{
			"jsonrpc": jsonRPCVersion,
			"method":  service + subscriptionSuffix,
			"params":  map[string]any{"subscription": tg.id, "result": result},
		})
	}
	return len(targets)
}

func (f *fakeRuntime) forgetConn(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		if sub.conn == conn {
			delete(f.subs, id)
		}
	}
}

// dropAll closes every server side socket.
func (f *fakeRuntime) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// activeConns is the number of sockets the runtime is still serving.
func (f *fakeRuntime) activeConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeRuntime) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeRuntime) called(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == method {
			return true
		}
	}
	return false
}

func (f *fakeRuntime) header(i int) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.headers) {
		return nil
	}
	return f.headers[i]
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero T
	return zero
}
