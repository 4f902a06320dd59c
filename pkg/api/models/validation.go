package models

import (
	"errors"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ReservedMetadataPrefix is owned by the platform and rejected in user metadata.
const ReservedMetadataPrefix = "e2b."

var ErrTemplateRequired = errors.New("templateID is required")

// ValidateMetadataKey reports why key cannot be used as sandbox metadata, or nil.
func ValidateMetadataKey(key string) error {
	if errLists := validation.IsQualifiedName(key); len(errLists) > 0 {
		return fmt.Errorf("unqualified metadata key [%s]: %s", key, strings.Join(errLists, ", "))
	}
	if strings.HasPrefix(key, ReservedMetadataPrefix) {
		return fmt.Errorf("forbidden metadata key [%s]: cannot start with %q", key, ReservedMetadataPrefix)
	}
	return nil
}

func ValidateTimeout(timeout, maxTimeout int32) error {
	if timeout < MinTimeoutSeconds || timeout > maxTimeout {
		return fmt.Errorf("timeout should between %d and %d", MinTimeoutSeconds, maxTimeout)
	}
	return nil
}

// Validate checks the request and fills the default timeout.
func (r *NewSandbox) Validate() error {
	if strings.TrimSpace(r.TemplateID) == "" {
		return ErrTemplateRequired
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeoutSeconds
	}
	if err := ValidateTimeout(r.Timeout, MaxTimeoutSeconds); err != nil {
		return err
	}
	for k := range r.Metadata {
		if err := ValidateMetadataKey(k); err != nil {
			return err
		}
	}
	return nil
}
