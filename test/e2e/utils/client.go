/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devbookhq/devbook-go/pkg/api/client"
	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/session"
)

// NewClient returns an API client for apiURL that does not retry.
func NewClient(apiURL, apiKey string) (*client.Client, error) {
	return client.New(client.Options{
		APIURL:     apiURL,
		APIKey:     apiKey,
		Timeout:    10 * time.Second,
		MaxRetries: 0,
		UserAgent:  "devbook-e2e",
	})
}

// RuntimeURL is the websocket endpoint of sandboxID on a devbook-server listening on apiURL.
func RuntimeURL(apiURL, sandboxID string) string {
	u := strings.Replace(apiURL, "http", "ws", 1)
	return fmt.Sprintf("%s/ws?sandboxID=%s", strings.TrimSuffix(u, "/"), sandboxID)
}

// OpenSession opens a session on sbx and attaches the given code snippet callbacks.
func OpenSession(ctx context.Context, c *client.Client, apiURL string, sbx *models.Sandbox, opts session.CodeSnippetOptions) (*session.Session, error) {
	s := session.New(session.SessionOptions{
		ConnectionOptions: session.ConnectionOptions{
			Client:      c,
			SandboxID:   sbx.SandboxID,
			AccessToken: sbx.EnvdAccessToken,
			RPCURL:      RuntimeURL(apiURL, sbx.SandboxID),
		},
		CodeSnippet: opts,
	})
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
