package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

const (
	jsonRPCVersion     = "2.0"
	subscribeMethod    = "subscribe"
	unsubscribeMethod  = "unsubscribe"
	subscriptionSuffix = "_subscription"
	methodSeparator    = "_"
	codeSnippetService = "codeSnippet"
	filesystemService  = "filesystem"
	terminalService    = "terminal"
	processService     = "process"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrDisconnected  = errors.New("session disconnected")
)

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Model converts the RPC error into the API error model.
func (e *RPCError) Model() *models.Error {
	return models.NewError(int32(e.Code), e.Message)
}

// As lets callers use errors.As(err, **models.Error) on RPC failures.
func (e *RPCError) As(target any) bool {
	if t, ok := target.(**models.Error); ok {
		*t = e.Model()
		return true
	}
	return false
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcMessage is any inbound frame: a reply when ID is set, a notification otherwise.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

func rpcMethod(service, method string) string {
	return service + methodSeparator + method
}

func isNotification(method string) bool {
	return strings.HasSuffix(method, subscriptionSuffix)
}
