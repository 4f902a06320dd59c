package devbook

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/servers/devbook/keys"
	"github.com/devbookhq/devbook-go/pkg/servers/web"
)

func (s *Server) ListAPIKeys(c *gin.Context) (web.ApiResponse[[]*models.TeamAPIKey], *web.ApiError) {
	user := GetUserFromContext(c.Request.Context())
	if user == nil {
		return web.ApiResponse[[]*models.TeamAPIKey]{}, web.Errorf(http.StatusUnauthorized, "User not found")
	}
	return web.ApiResponse[[]*models.TeamAPIKey]{Body: s.keys.ListByOwner(user.ID)}, nil
}

func (s *Server) CreateAPIKey(c *gin.Context) (web.ApiResponse[*models.CreatedTeamAPIKey], *web.ApiError) {
	var request models.NewTeamAPIKey
	if apiErr := decodeBody(c, &request, false); apiErr != nil {
		return web.ApiResponse[*models.CreatedTeamAPIKey]{}, apiErr
	}
	ctx := c.Request.Context()
	user := GetUserFromContext(ctx)
	if user == nil {
		return web.ApiResponse[*models.CreatedTeamAPIKey]{}, web.Errorf(http.StatusUnauthorized, "User not found")
	}
	created, err := s.keys.CreateKey(ctx, user, request.Name)
	if err != nil {
		return web.ApiResponse[*models.CreatedTeamAPIKey]{}, web.Errorf(http.StatusBadRequest, "Failed to create API key: %v", err)
	}
	return web.ApiResponse[*models.CreatedTeamAPIKey]{Code: http.StatusCreated, Body: created}, nil
}

func (s *Server) DeleteAPIKey(c *gin.Context) (web.ApiResponse[struct{}], *web.ApiError) {
	ctx := c.Request.Context()
	user := GetUserFromContext(ctx)
	if user == nil {
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusUnauthorized, "User not found")
	}
	id := c.Param("apiKeyID")
	key, ok := s.keys.LoadByID(id)
	if !ok || (key.ID != user.ID && (key.CreatedBy == nil || key.CreatedBy.ID != user.ID)) {
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusNotFound, "API key %s not found", id)
	}
	if s.isAdmin(key) {
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusBadRequest, "The admin API key cannot be deleted")
	}
	if err := s.keys.DeleteKey(ctx, key); err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusNotFound, "API key %s not found", id)
		}
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusInternalServerError, "Failed to delete API key: %v", err)
	}
	return web.ApiResponse[struct{}]{Code: http.StatusNoContent}, nil
}
