package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/client"
	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/logs"
	"github.com/devbookhq/devbook-go/pkg/utils/settled"
)

const notificationBuffer = 256

type ConnectionOptions struct {
	// Client is used to create and keep the sandbox alive. Without it the connection
	// only attaches to RPCURL and never refreshes.
	Client *client.Client
	// SandboxID attaches to an existing sandbox. When empty, a sandbox is created from Sandbox.
	SandboxID string
	Sandbox   *models.NewSandbox
	// RPCURL overrides the derived wss://<port>-<sandboxID>.<domain>/ws endpoint.
	RPCURL      string
	AccessToken string
	Dialer      *websocket.Dialer

	RefreshPeriod     time.Duration
	ReconnectInterval time.Duration

	OnClose      func(err error)
	OnDisconnect func(err error)
	OnReconnect  func()
}

type pendingCall struct {
	reply    chan reply
	onResult func(json.RawMessage)
}

type reply struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	service  string
	topic    string
	args     []any
	handler  func(json.RawMessage)
	remoteID string
}

type notification struct {
	handler func(json.RawMessage)
	result  json.RawMessage
}

// Connection is a JSON-RPC connection to the runtime of one sandbox.
type Connection struct {
	opts ConnectionOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	conn          *websocket.Conn
	sandbox       *models.Sandbox
	pending       map[uint64]*pendingCall
	subs          map[string]*subscription
	subsByRemote  map[string]string
	closed        bool
	closeErr      error
	writeMu       sync.Mutex
	nextID        atomic.Uint64
	notifications chan notification
	closeOnce     sync.Once
}

func NewConnection(opts ConnectionOptions) *Connection {
	if opts.RefreshPeriod <= 0 {
		opts.RefreshPeriod = consts.SessionRefreshPeriod
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = consts.WSReconnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Connection{
		opts:          opts,
		pending:       make(map[uint64]*pendingCall),
		subs:          make(map[string]*subscription),
		subsByRemote:  make(map[string]string),
		notifications: make(chan notification, notificationBuffer),
	}
}

func (c *Connection) SandboxID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sandbox == nil {
		return c.opts.SandboxID
	}
	return c.sandbox.SandboxID
}

// Open creates the sandbox when needed, dials its runtime and starts the keep-alive loop.
func (c *Connection) Open(ctx context.Context) error {
	log := klog.FromContext(ctx)
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("connection already opened")
	}
	c.ctx, c.cancel = context.WithCancel(logs.NewContextFrom(context.WithoutCancel(ctx)))
	c.mu.Unlock()

	sbx, err := c.resolveSandbox(ctx)
	if err != nil {
		c.Close()
		return err
	}
	c.mu.Lock()
	c.sandbox = sbx
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to connect to sandbox %s: %w", sbx.SandboxID, err)
	}
	if !c.adopt(conn) {
		return ErrSessionClosed
	}
	go c.dispatchNotifications()
	if c.opts.Client != nil {
		go wait.UntilWithContext(c.ctx, c.refresh, c.opts.RefreshPeriod)
	}
	log.Info("session opened", "sandboxID", sbx.SandboxID)
	return nil
}

func (c *Connection) resolveSandbox(ctx context.Context) (*models.Sandbox, error) {
	if c.opts.SandboxID != "" {
		return &models.Sandbox{SandboxID: c.opts.SandboxID, EnvdAccessToken: c.opts.AccessToken}, nil
	}
	if c.opts.Client == nil {
		return nil, errors.New("a client is required to create a sandbox")
	}
	if c.opts.Sandbox == nil {
		return nil, errors.New("either a sandbox ID or a sandbox request is required")
	}
	sbx, err := c.opts.Client.CreateSandbox(ctx, c.opts.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return sbx, nil
}

func (c *Connection) rpcURL() (string, error) {
	if c.opts.RPCURL != "" {
		return c.opts.RPCURL, nil
	}
	if c.opts.Client == nil {
		return "", errors.New("either a client or an RPC URL is required")
	}
	return "wss://" + c.opts.Client.SandboxHost(c.SandboxID(), consts.WSPort) + consts.WSRoute, nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	c.mu.Lock()
	if c.sandbox != nil && c.sandbox.EnvdAccessToken != "" {
		header.Set(consts.AccessTokenHeader, c.sandbox.EnvdAccessToken)
	}
	c.mu.Unlock()
	target, err := c.rpcURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// adopt makes conn the live socket and starts reading it. When the connection was
// closed meanwhile, conn is closed instead and adopt returns false.
func (c *Connection) adopt(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return true
}

func (c *Connection) refresh(ctx context.Context) {
	log := klog.FromContext(ctx).V(consts.DebugLogLevel)
	sandboxID := c.SandboxID()
	err := c.opts.Client.RefreshSandbox(ctx, sandboxID, models.RefreshDuration)
	switch {
	case err == nil:
		log.Info("sandbox refreshed", "sandboxID", sandboxID)
	case client.IsNotFound(err):
		klog.FromContext(ctx).Info("sandbox is gone, closing session", "sandboxID", sandboxID)
		go c.closeWithError(fmt.Errorf("%w: sandbox %s not found", ErrSessionClosed, sandboxID))
	case ctx.Err() == nil:
		klog.FromContext(ctx).Error(err, "failed to refresh sandbox", "sandboxID", sandboxID)
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	log := klog.FromContext(c.ctx)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Error(err, "failed to decode rpc message")
			continue
		}
		if msg.ID != nil {
			c.resolve(*msg.ID, &msg)
			continue
		}
		if isNotification(msg.Method) {
			c.notify(&msg)
			continue
		}
		log.Info("unknown rpc message", "method", msg.Method)
	}
}

func (c *Connection) resolve(id uint64, msg *rpcMessage) {
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		call.reply <- reply{err: msg.Error}
		return
	}
	// Runs before the next frame is read so no notification can outrun its subscription.
	if call.onResult != nil {
		call.onResult(msg.Result)
	}
	call.reply <- reply{result: msg.Result}
}

func (c *Connection) notify(msg *rpcMessage) {
	var params notificationParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		klog.FromContext(c.ctx).Error(err, "failed to decode notification", "method", msg.Method)
		return
	}
	c.mu.Lock()
	var handler func(json.RawMessage)
	if localID, ok := c.subsByRemote[params.Subscription]; ok {
		handler = c.subs[localID].handler
	}
	c.mu.Unlock()
	if handler == nil {
		return
	}
	select {
	case c.notifications <- notification{handler: handler, result: params.Result}:
	case <-c.ctx.Done():
	}
}

// dispatchNotifications runs handlers one at a time in arrival order, off the read loop,
// so handlers may issue calls of their own.
func (c *Connection) dispatchNotifications() {
	for {
		select {
		case n := <-c.notifications:
			n.handler(n.result)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	_ = conn.Close()
	for _, call := range pending {
		call.reply <- reply{err: ErrDisconnected}
	}
	klog.FromContext(c.ctx).Info("session disconnected, reconnecting", "reason", cause.Error())
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(cause)
	}
	go c.reconnect()
}

func (c *Connection) reconnect() {
	log := klog.FromContext(c.ctx)
	err := wait.PollUntilContextCancel(c.ctx, c.opts.ReconnectInterval, false, func(ctx context.Context) (bool, error) {
		conn, err := c.dial(ctx)
		if err != nil {
			log.V(consts.DebugLogLevel).Info("reconnect attempt failed", "error", err.Error())
			return false, nil
		}
		if !c.adopt(conn) {
			return false, ErrSessionClosed
		}
		return true, nil
	})
	if err != nil {
		return
	}
	c.resubscribe()
	log.Info("session reconnected")
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect()
	}
}

// resubscribe re-establishes every live subscription on the new socket, keeping local IDs.
func (c *Connection) resubscribe() {
	c.mu.Lock()
	c.subsByRemote = make(map[string]string)
	subs := make(map[string]*subscription, len(c.subs))
	for id, sub := range c.subs {
		subs[id] = sub
	}
	c.mu.Unlock()

	fns := make([]func() error, 0, len(subs))
	for localID, sub := range subs {
		fns = append(fns, func() error {
			_, err := c.call(c.ctx, sub.service, subscribeMethod, append([]any{sub.topic}, sub.args...), func(result json.RawMessage) {
				if remoteID, owned := c.bindRemote(localID, result); !owned {
					go c.dropRemote(sub.service, remoteID)
				}
			})
			return err
		})
	}
	results := settled.SettleErrors(fns...)
	if msg := settled.FormatErrors(results); msg != "" {
		klog.FromContext(c.ctx).Error(nil, "failed to restore subscriptions", "errors", msg)
	}
}

// bindRemote maps the remote subscription ID in result to localID. It reports false,
// with the remote ID, when the local subscription no longer exists.
func (c *Connection) bindRemote(localID string, result json.RawMessage) (string, bool) {
	var remoteID string
	if err := json.Unmarshal(result, &remoteID); err != nil || remoteID == "" {
		return "", true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[localID]
	if !ok {
		return remoteID, false
	}
	sub.remoteID = remoteID
	c.subsByRemote[remoteID] = localID
	return remoteID, true
}

// dropRemote removes a runtime subscription nobody listens to anymore. Failures are only logged.
func (c *Connection) dropRemote(service, remoteID string) {
	if remoteID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, consts.DefaultTimeout)
	defer cancel()
	if _, err := c.Call(ctx, service, unsubscribeMethod, remoteID); err != nil {
		c.logger().V(consts.DebugLogLevel).Info("failed to drop orphaned subscription",
			"service", service, "subscription", remoteID, "error", err.Error())
	}
}

// Call invokes <service>_<method> and waits for its result.
func (c *Connection) Call(ctx context.Context, service, method string, params ...any) (json.RawMessage, error) {
	return c.call(ctx, service, method, params, nil)
}

func (c *Connection) call(ctx context.Context, service, method string, params []any, onResult func(json.RawMessage)) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	call := &pendingCall{reply: make(chan reply, 1), onResult: onResult}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[id] = call
	c.mu.Unlock()

	klog.FromContext(ctx).V(consts.DebugLogLevel).Info("rpc call", "id", id, "service", service, "method", method)
	c.writeMu.Lock()
	err := conn.WriteJSON(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: rpcMethod(service, method), Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", rpcMethod(service, method), err)
	}

	select {
	case r := <-call.reply:
		return r.result, r.err
	case <-ctx.Done():
		// A late reply must still reach onResult.
		if onResult == nil {
			c.forget(id)
		}
		return nil, ctx.Err()
	}
}

func (c *Connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Subscribe registers handler for topic notifications of service and returns a subscription ID
// that stays valid across reconnects.
func (c *Connection) Subscribe(ctx context.Context, service string, handler func(json.RawMessage), topic string, args ...any) (string, error) {
	localID := rand.String(12)
	sub := &subscription{service: service, topic: topic, args: args, handler: handler}
	c.mu.Lock()
	c.subs[localID] = sub
	c.mu.Unlock()

	_, err := c.call(ctx, service, subscribeMethod, append([]any{topic}, args...), func(result json.RawMessage) {
		if remoteID, owned := c.bindRemote(localID, result); !owned {
			go c.dropRemote(service, remoteID)
		}
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, localID)
		remoteID := sub.remoteID
		if remoteID != "" {
			delete(c.subsByRemote, remoteID)
		}
		c.mu.Unlock()
		// The runtime may have accepted the subscription before ctx ended.
		go c.dropRemote(service, remoteID)
		return "", fmt.Errorf("failed to subscribe to %s %s: %w", service, topic, err)
	}
	return localID, nil
}

// Unsubscribe removes a subscription. An empty ID is a no-op.
func (c *Connection) Unsubscribe(ctx context.Context, subID string) error {
	if subID == "" {
		return nil
	}
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
		delete(c.subsByRemote, sub.remoteID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("subscription %s not found", subID)
	}
	if _, err := c.Call(ctx, sub.service, unsubscribeMethod, sub.remoteID); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s %s: %w", sub.service, sub.topic, err)
	}
	return nil
}

// SubscribeFunc performs one subscription; see HandleSubscriptions.
type SubscribeFunc func(ctx context.Context) (string, error)

// Subscription binds a typed handler to a topic. Payloads that fail to decode are logged and dropped.
func Subscription[T any](c *Connection, service string, handler func(T), topic string, args ...any) SubscribeFunc {
	if handler == nil {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return c.Subscribe(ctx, service, func(raw json.RawMessage) {
			var payload T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &payload); err != nil {
					c.logger().Error(err, "failed to decode notification", "service", service, "topic", topic)
					return
				}
			}
			handler(payload)
		}, topic, args...)
	}
}

// HandleSubscriptions subscribes concurrently. Nil entries yield "" IDs. When any subscription
// fails, the successful ones are removed again and an aggregate error is returned.
func (c *Connection) HandleSubscriptions(ctx context.Context, subs ...SubscribeFunc) ([]string, error) {
	fns := make([]func() (string, error), len(subs))
	for i, sub := range subs {
		if sub == nil {
			continue
		}
		fns[i] = func() (string, error) { return sub(ctx) }
	}
	results := settled.Settle(fns...)
	ids, err := settled.Evaluate(results)
	if err == nil {
		return ids, nil
	}
	cleanup := make([]func() error, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Value != "" {
			cleanup = append(cleanup, func() error { return c.Unsubscribe(ctx, r.Value) })
		}
	}
	if msg := settled.FormatErrors(settled.SettleErrors(cleanup...)); msg != "" {
		klog.FromContext(ctx).Error(nil, "failed to clean up subscriptions", "errors", msg)
	}
	return nil, err
}

// Close stops the keep-alive loop and closes the socket. The sandbox itself is left to expire.
func (c *Connection) Close() {
	c.closeWithError(ErrSessionClosed)
}

func (c *Connection) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		conn := c.conn
		c.conn = nil
		pending := c.pending
		c.pending = make(map[uint64]*pendingCall)
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		for _, call := range pending {
			call.reply <- reply{err: cause}
		}
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(cause)
		}
	})
}

// Err reports why the connection was closed, or nil while it is usable.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Connection) logger() klog.Logger {
	if c.ctx == nil {
		return klog.Background()
	}
	return klog.FromContext(c.ctx)
}
