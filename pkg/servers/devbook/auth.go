package devbook

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/servers/web"
)

// AnonymousUser owns every request while authentication is disabled.
var AnonymousUser = &models.CreatedTeamAPIKey{
	TeamAPIKey: models.TeamAPIKey{
		ID:   uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Name: "auth-disabled",
	},
}

type userKey struct{}

// CheckApiKey resolves the caller from X-API-KEY and, for sandbox routes, checks that the caller owns the sandbox.
func (s *Server) CheckApiKey(ctx context.Context, c *gin.Context) (context.Context, *web.ApiError) {
	logger := klog.FromContext(ctx)
	middleWareLog := logger.WithValues("middleware", "CheckApiKey").V(consts.DebugLogLevel)
	user := AnonymousUser
	if s.keys != nil {
		apiKey := c.GetHeader(consts.APIKeyHeader)
		found, ok := s.keys.LoadByKey(apiKey)
		if !ok || !s.keys.Touch(found) {
			middleWareLog.Info("failed to load key by API-KEY")
			return ctx, &web.ApiError{
				Code:    http.StatusUnauthorized,
				Message: "Invalid API Key",
			}
		}
		user = found
	}
	if sandboxID := c.Param("sandboxID"); sandboxID != "" {
		owner, ok := s.store.Owner(sandboxID)
		if !ok {
			middleWareLog.Info("sandbox not found", "sandboxID", sandboxID)
			return ctx, web.Errorf(http.StatusNotFound, "Sandbox %s not found", sandboxID)
		}
		if owner != AnonymousUser.ID.String() && owner != user.ID.String() && !s.isAdmin(user) {
			return ctx, web.Errorf(http.StatusUnauthorized, "The user of API key is not the owner of sandbox: %s", sandboxID)
		}
	}
	return context.WithValue(klog.NewContext(ctx, logger.WithValues("user", user.Name)), userKey{}, user), nil
}

func (s *Server) isAdmin(user *models.CreatedTeamAPIKey) bool {
	return s.admin != nil && user.ID == s.admin.ID
}

func GetUserFromContext(ctx context.Context) *models.CreatedTeamAPIKey {
	user, ok := ctx.Value(userKey{}).(*models.CreatedTeamAPIKey)
	if !ok {
		return nil
	}
	return user
}
