package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/logs"
)

type Handler[T any] func(c *gin.Context) (response ApiResponse[T], err *ApiError)

type MiddleWare func(ctx context.Context, c *gin.Context) (context.Context, *ApiError)

type ApiResponse[T any] struct {
	Code int
	Body T
}

// ApiError is written as a models.Error body plus the request ID.
type ApiError struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (r *ApiError) Error() string {
	j, err := json.Marshal(r)
	if err != nil {
		return err.Error()
	}
	return string(j)
}

func (r *ApiError) Model() *models.Error {
	return models.NewError(int32(r.Code), r.Message)
}

func Errorf(code int, format string, args ...any) *ApiError {
	return &ApiError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RegisterRoute binds handler to method and path. Every request gets a request-scoped logger,
// panic recovery and the X-Request-ID header.
func RegisterRoute[T any](r gin.IRoutes, method, path string, handler Handler[T], middlewares ...MiddleWare) {
	r.Handle(method, path, func(c *gin.Context) {
		requestID := c.GetHeader(consts.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logs.NewContextFrom(c.Request.Context(), "requestID", requestID)
		log := klog.FromContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Error(nil, "panic occurred in web handler",
					"path", path,
					"recover", rec,
					"stack", string(buf[:n]))
				writeJson(ctx, c, http.StatusInternalServerError, http.StatusInternalServerError, &ApiError{
					Code:    http.StatusInternalServerError,
					Message: fmt.Sprintf("Internal Server Error: %v", rec),
				}, requestID)
			}
		}()

		var err *ApiError
		for _, m := range middlewares {
			if ctx, err = m(ctx, c); err != nil {
				writeJson(ctx, c, err.Code, http.StatusInternalServerError, err, requestID)
				return
			}
		}
		c.Request = c.Request.WithContext(ctx)
		log.V(consts.DebugLogLevel).Info("start handling request", "method", method, "path", path)
		resp, err := handler(c)
		if err != nil {
			log.Error(err, "API Error", "path", c.Request.URL.Path)
			writeJson(ctx, c, err.Code, http.StatusInternalServerError, err, requestID)
		} else {
			writeJson(ctx, c, resp.Code, http.StatusOK, resp.Body, requestID)
		}
	})
}

func writeJson(ctx context.Context, c *gin.Context, code, defaultCode int, body any, requestID string) {
	log := klog.FromContext(ctx).V(consts.DebugLogLevel)
	if code == 0 {
		code = defaultCode
	}
	//goland:noinspection GoTypeAssertionOnErrors
	if apiError, ok := body.(*ApiError); ok {
		if apiError.Code == 0 {
			apiError.Code = code
		}
		apiError.RequestID = requestID
	}
	c.Header(consts.RequestIDHeader, requestID)
	if code == http.StatusNoContent {
		c.Status(code)
		return
	}
	data, jsonErr := json.Marshal(body)
	if jsonErr != nil {
		log.Error(jsonErr, "Failed to encode response")
		c.String(http.StatusInternalServerError, "Internal Server Error: failed to encode response: %v", jsonErr)
		return
	}
	c.Data(code, "application/json", data)
}
