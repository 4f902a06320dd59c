package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
)

// APIError is returned for every non-2xx response. It unwraps to the decoded *models.Error.
type APIError struct {
	StatusCode int
	RequestID  string
	Err        *models.Error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d, request %s: %s", e.StatusCode, e.RequestID, e.Err.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// decodeAPIError turns a failed response into an APIError. Bodies that are not a
// well-formed error document fall back to the HTTP status text.
func decodeAPIError(resp *http.Response, body []byte, requestID string) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get(consts.RequestIDHeader),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(body) > 0 {
		model := &models.Error{}
		if err := json.Unmarshal(body, model); err == nil {
			apiErr.Err = model
		}
		if apiErr.RequestID == "" {
			var withID struct {
				RequestID string `json:"request_id"`
			}
			if json.Unmarshal(body, &withID) == nil {
				apiErr.RequestID = withID.RequestID
			}
		}
	}
	if apiErr.Err == nil {
		apiErr.Err = models.NewError(int32(resp.StatusCode),
			"http status: "+strings.ToLower(http.StatusText(resp.StatusCode)))
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = requestID
	}
	return apiErr
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

func IsConflict(err error) bool {
	return StatusCode(err) == http.StatusConflict
}
