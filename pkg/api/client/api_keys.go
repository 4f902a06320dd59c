package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

func (c *Client) ListAPIKeys(ctx context.Context) ([]*models.TeamAPIKey, error) {
	var keys []*models.TeamAPIKey
	if err := c.do(ctx, http.MethodGet, "/api-keys", "/api-keys", nil, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// CreateAPIKey returns the new key; its plain value is only ever returned here.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (*models.CreatedTeamAPIKey, error) {
	key := &models.CreatedTeamAPIKey{}
	if err := c.do(ctx, http.MethodPost, "/api-keys", "/api-keys", nil, models.NewTeamAPIKey{Name: name}, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (c *Client) DeleteAPIKey(ctx context.Context, apiKeyID string) error {
	return c.do(ctx, http.MethodDelete, "/api-keys/{apiKeyID}", "/api-keys/"+url.PathEscape(apiKeyID), nil, nil, nil)
}
