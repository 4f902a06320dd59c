package models

import (
	"time"

	"github.com/google/uuid"
)

type IdentifierMaskingDetails struct {
	Prefix            string `json:"prefix"`
	ValueLength       int    `json:"valueLength"`
	MaskedValuePrefix string `json:"maskedValuePrefix"`
	MaskedValueSuffix string `json:"maskedValueSuffix"`
}

type TeamUser struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

type TeamAPIKey struct {
	CreatedAt time.Time                `json:"createdAt"`
	CreatedBy *TeamUser                `json:"createdBy,omitempty"`
	ID        uuid.UUID                `json:"id"`
	LastUsed  *time.Time               `json:"lastUsed,omitempty"`
	Mask      IdentifierMaskingDetails `json:"mask"`
	Name      string                   `json:"name"`
}

type CreatedTeamAPIKey struct {
	TeamAPIKey
	Key string `json:"key"`
}

type NewTeamAPIKey struct {
	Name string `json:"name"`
}

// MaskKey hides all but the prefix and the last four characters of key.
func MaskKey(prefix, key string) IdentifierMaskingDetails {
	value := key
	if len(prefix) > 0 && len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		value = key[len(prefix):]
	}
	mask := IdentifierMaskingDetails{
		Prefix:      prefix,
		ValueLength: len(value),
	}
	if len(value) <= 4 {
		mask.MaskedValueSuffix = value
		return mask
	}
	mask.MaskedValuePrefix = value[:2]
	mask.MaskedValueSuffix = value[len(value)-4:]
	return mask
}
