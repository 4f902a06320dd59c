package devbook

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/logs"
	"github.com/devbookhq/devbook-go/pkg/servers/web"
)

const (
	jsonRPCVersion     = "2.0"
	subscribeSuffix    = "_subscribe"
	unsubscribeSuffix  = "_unsubscribe"
	subscriptionSuffix = "_subscription"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *models.Error   `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Subscription string `json:"subscription"`
		Result       any    `json:"result"`
	} `json:"params"`
}

type rpcSubscription struct {
	service string
	topic   string
	key     string
}

// rpcConn serves one websocket client of a runtime.
type rpcConn struct {
	conn    *websocket.Conn
	runtime *Runtime
	metrics *serverMetrics

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]rpcSubscription
}

func newRPCConn(conn *websocket.Conn, rt *Runtime, m *serverMetrics) *rpcConn {
	return &rpcConn{conn: conn, runtime: rt, metrics: m, subs: make(map[string]rpcSubscription)}
}

func (c *rpcConn) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *rpcConn) close() {
	_ = c.conn.Close()
}

func (c *rpcConn) serve(ctx context.Context) {
	log := klog.FromContext(ctx)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.V(consts.DebugLogLevel).Info("runtime connection closed", "reason", err.Error())
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(rpcResponse{JSONRPC: jsonRPCVersion, ID: json.RawMessage("null"),
				Error: models.NewError(codeParseError, err.Error())})
			continue
		}
		c.handle(ctx, &req)
	}
}

func (c *rpcConn) handle(ctx context.Context, req *rpcRequest) {
	log := klog.FromContext(ctx).V(consts.DebugLogLevel)
	var (
		result any
		after  func()
		rpcErr *models.Error
	)
	switch {
	case strings.HasSuffix(req.Method, subscribeSuffix):
		result, rpcErr = c.subscribe(strings.TrimSuffix(req.Method, subscribeSuffix), req.Params)
	case strings.HasSuffix(req.Method, unsubscribeSuffix):
		result, rpcErr = c.unsubscribe(req.Params)
	default:
		result, after, rpcErr = c.runtime.Call(req.Method, req.Params)
	}
	c.metrics.observeRPC(req.Method, rpcErr)
	log.Info("rpc call handled", "method", req.Method, "failed", rpcErr != nil)

	if len(req.ID) == 0 {
		// notification from the client, nothing to answer
		return
	}
	resp := rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result, Error: rpcErr}
	if err := c.write(resp); err != nil {
		log.Info("failed to write rpc response", "error", err.Error())
		return
	}
	if after != nil {
		after()
	}
}

func (c *rpcConn) subscribe(service string, params []json.RawMessage) (any, *models.Error) {
	topic, err := param[string](params, 0)
	if err != nil {
		return nil, asRPCError(err)
	}
	key, err := optionalParam[string](params, 1)
	if err != nil {
		return nil, asRPCError(err)
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	c.mu.Lock()
	c.subs[id] = rpcSubscription{service: service, topic: topic, key: key}
	c.mu.Unlock()
	return id, nil
}

func (c *rpcConn) unsubscribe(params []json.RawMessage) (any, *models.Error) {
	id, err := param[string](params, 0)
	if err != nil {
		return nil, asRPCError(err)
	}
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	return ok, nil
}

func (c *rpcConn) notify(service, topic, key string, result any) {
	c.mu.Lock()
	var ids []string
	for id, sub := range c.subs {
		if sub.service == service && sub.topic == topic && (key == "" || sub.key == key) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		msg := rpcNotification{JSONRPC: jsonRPCVersion, Method: service + subscriptionSuffix}
		msg.Params.Subscription = id
		msg.Params.Result = result
		if err := c.write(msg); err != nil {
			return
		}
	}
}

func asRPCError(err error) *models.Error {
	var rpcErr *models.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return models.NewError(codeServerError, err.Error())
}

// sandboxIDFromHost extracts the sandbox ID from a <port>-<sandboxID>.<domain> host.
func sandboxIDFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, ok := strings.Cut(host, ".")
	if !ok {
		return ""
	}
	port, id, ok := strings.Cut(label, "-")
	if !ok {
		return ""
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	return id
}

// ServeRuntime upgrades the request to the JSON-RPC runtime of a running sandbox. The sandbox is
// taken from the sandboxID query parameter or from the request host.
func (s *Server) ServeRuntime(c *gin.Context) {
	sandboxID := c.Query("sandboxID")
	if sandboxID == "" {
		sandboxID = sandboxIDFromHost(c.Request.Host)
	}
	ctx := logs.NewContextFrom(c.Request.Context(), "sandboxID", sandboxID)
	log := klog.FromContext(ctx)

	rt, err := s.store.Connect(sandboxID, c.GetHeader(consts.AccessTokenHeader))
	if err != nil {
		apiErr := storeError(err)
		log.Info("runtime connection refused", "reason", err.Error())
		c.JSON(apiErr.Code, apiErr)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error(err, "failed to upgrade runtime connection")
		return
	}
	rc := newRPCConn(conn, rt, s.metrics)
	defer rc.close()
	if err := rt.attach(rc); err != nil {
		log.Info("runtime is closed", "reason", err.Error())
		return
	}
	defer rt.detach(rc)
	log.Info("runtime connected")
	rc.serve(ctx)
	log.Info("runtime disconnected")
}

func storeError(err error) *web.ApiError {
	switch {
	case errors.Is(err, ErrSandboxNotFound):
		return &web.ApiError{Code: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrNotPaused):
		return &web.ApiError{Code: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, ErrInvalidAccessToken):
		return &web.ApiError{Code: http.StatusUnauthorized, Message: err.Error()}
	default:
		return &web.ApiError{Code: http.StatusInternalServerError, Message: err.Error()}
	}
}
