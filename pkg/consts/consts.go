package consts

import "time"

const (
	DefaultDomain   = "ondevbook.com"
	DefaultAPIHost  = "api"
	DebugAPIURL     = "http://localhost:3000"
	DefaultUserName = "devbook-go-sdk"
)

const (
	SessionRefreshPeriod = 5 * time.Second
	WSReconnectInterval  = 600 * time.Millisecond
	WSPort               = 49982
	WSRoute              = "/ws"
)

const (
	APIKeyHeader      = "X-API-KEY"
	AccessTokenHeader = "X-Access-Token"
	RequestIDHeader   = "X-Request-ID"
	DefaultMaxRetries = 3
	DefaultTimeout    = 30 * time.Second
	ShutdownTimeout   = 30 * time.Second
)

const DebugLogLevel = 5
