package models

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

type SandboxState string

const (
	SandboxStateRunning SandboxState = "running"
	SandboxStatePaused  SandboxState = "paused"
)

const (
	DefaultTimeoutSeconds = 300
	MinTimeoutSeconds     = 30
	MaxTimeoutSeconds     = 86400
	RefreshDuration       = 20
)

// NewSandbox is the body of POST /sandboxes
type NewSandbox struct {
	TemplateID string            `json:"templateID"`
	Timeout    int32             `json:"timeout,omitempty"`
	AutoPause  bool              `json:"autoPause,omitempty"`
	Secure     bool              `json:"secure,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type Sandbox struct {
	TemplateID      string `json:"templateID"`
	SandboxID       string `json:"sandboxID"`
	ClientID        string `json:"clientID"`
	Alias           string `json:"alias,omitempty"`
	EnvdVersion     string `json:"envdVersion"`
	EnvdAccessToken string `json:"envdAccessToken,omitempty"`
	Domain          string `json:"domain,omitempty"`
}

type ListedSandbox struct {
	TemplateID string            `json:"templateID"`
	SandboxID  string            `json:"sandboxID"`
	ClientID   string            `json:"clientID"`
	Alias      string            `json:"alias,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	EndAt      time.Time         `json:"endAt"`
	CPUCount   int32             `json:"cpuCount"`
	MemoryMB   int32             `json:"memoryMB"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	State      SandboxState      `json:"state"`
}

type SetTimeoutRequest struct {
	TimeoutSeconds int32 `json:"timeout"`
}

type RefreshRequest struct {
	Duration int32 `json:"duration,omitempty"`
}

type ResumeRequest struct {
	Timeout   int32 `json:"timeout,omitempty"`
	AutoPause bool  `json:"autoPause,omitempty"`
}

// EncodeMetadataQuery renders metadata filters as the value of the list "metadata" query parameter.
func EncodeMetadataQuery(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(metadata[k]))
	}
	return strings.Join(pairs, "&")
}

// DecodeMetadataQuery is the inverse of EncodeMetadataQuery. Pairs without '=' are ignored.
func DecodeMetadataQuery(query string) (map[string]string, error) {
	metadata := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			return nil, err
		}
		value, err := url.QueryUnescape(kv[1])
		if err != nil {
			return nil, err
		}
		metadata[key] = value
	}
	return metadata, nil
}
