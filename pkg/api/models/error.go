// Package models provides data models for the Devbook sandbox API.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingField is returned when a required field is absent from a decoded document.
var ErrMissingField = errors.New("missing required field")

// Error represents an error response
type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func NewError(code int32, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// UnmarshalJSON decodes an error document, requiring both code and message.
func (e *Error) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code    *int32  `json:"code"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Code == nil {
		return fmt.Errorf("%w: code", ErrMissingField)
	}
	if raw.Message == nil {
		return fmt.Errorf("%w: message", ErrMissingField)
	}
	e.Code, e.Message = *raw.Code, *raw.Message
	return nil
}
