package devbook

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
	"github.com/devbookhq/devbook-go/pkg/servers/web"
)

const (
	nextTokenHeader    = "X-Next-Token"
	maxRefreshDuration = 3600
)

// decodeBody decodes the JSON body into v. An empty body is accepted when optional is set.
func decodeBody(c *gin.Context, v any, optional bool) *web.ApiError {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return web.Errorf(http.StatusBadRequest, "Invalid request body: %v", err)
	}
	return nil
}

func (s *Server) CreateSandbox(c *gin.Context) (web.ApiResponse[*models.Sandbox], *web.ApiError) {
	ctx := c.Request.Context()
	user := GetUserFromContext(ctx)
	if user == nil {
		return web.ApiResponse[*models.Sandbox]{}, web.Errorf(http.StatusUnauthorized, "User is empty")
	}
	var request models.NewSandbox
	if apiErr := decodeBody(c, &request, false); apiErr != nil {
		return web.ApiResponse[*models.Sandbox]{}, apiErr
	}
	if err := request.Validate(); err != nil {
		return web.ApiResponse[*models.Sandbox]{}, web.Errorf(http.StatusBadRequest, "%v", err)
	}
	if err := models.ValidateTimeout(request.Timeout, s.store.MaxTimeout); err != nil {
		return web.ApiResponse[*models.Sandbox]{}, web.Errorf(http.StatusBadRequest, "%v", err)
	}
	if !s.pause {
		request.AutoPause = false
	}
	sbx := s.store.Create(ctx, user.ID.String(), &request)
	sbx.Domain = s.opts.Domain
	return web.ApiResponse[*models.Sandbox]{
		Code: http.StatusCreated,
		Body: sbx,
	}, nil
}

func (s *Server) ownerFilter(user *models.CreatedTeamAPIKey) string {
	if user == nil || user == AnonymousUser || s.isAdmin(user) {
		return ""
	}
	return user.ID.String()
}

// ListRunningSandboxes serves the v1 listing, which only reports running sandboxes.
func (s *Server) ListRunningSandboxes(c *gin.Context) (web.ApiResponse[[]*models.ListedSandbox], *web.ApiError) {
	sandboxes, _ := s.store.List(ListFilter{
		Owner:  s.ownerFilter(GetUserFromContext(c.Request.Context())),
		States: []models.SandboxState{models.SandboxStateRunning},
	})
	return web.ApiResponse[[]*models.ListedSandbox]{Body: sandboxes}, nil
}

func (s *Server) ListSandboxes(c *gin.Context) (web.ApiResponse[[]*models.ListedSandbox], *web.ApiError) {
	log := klog.FromContext(c.Request.Context())
	filter, apiErr := s.parseListFilter(c)
	if apiErr != nil {
		return web.ApiResponse[[]*models.ListedSandbox]{}, apiErr
	}
	sandboxes, next := s.store.List(filter)
	if next != nil {
		c.Header(nextTokenHeader, base64.RawURLEncoding.EncodeToString([]byte(next.String())))
	}
	log.V(consts.DebugLogLevel).Info("sandboxes listed", "count", len(sandboxes), "filter", filter)
	return web.ApiResponse[[]*models.ListedSandbox]{Body: sandboxes}, nil
}

func (s *Server) parseListFilter(c *gin.Context) (ListFilter, *web.ApiError) {
	filter := ListFilter{
		Owner: s.ownerFilter(GetUserFromContext(c.Request.Context())),
		Limit: defaultListLimit,
	}
	if raw := c.Query("state"); raw != "" {
		for _, state := range strings.Split(raw, ",") {
			switch st := models.SandboxState(strings.TrimSpace(state)); st {
			case models.SandboxStateRunning, models.SandboxStatePaused:
				filter.States = append(filter.States, st)
			default:
				return filter, web.Errorf(http.StatusBadRequest, "Invalid state: %s", state)
			}
		}
	}
	if raw := c.Query("metadata"); raw != "" {
		metadata, err := models.DecodeMetadataQuery(raw)
		if err != nil {
			return filter, web.Errorf(http.StatusBadRequest, "Invalid metadata: %v", err)
		}
		filter.Metadata = metadata
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > defaultListLimit {
			return filter, web.Errorf(http.StatusBadRequest, "limit should between 1 and %d", defaultListLimit)
		}
		filter.Limit = limit
	}
	if raw := c.Query("nextToken"); raw != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return filter, web.Errorf(http.StatusBadRequest, "Invalid nextToken: %v", err)
		}
		after, err := ParseCursor(string(decoded))
		if err != nil {
			return filter, web.Errorf(http.StatusBadRequest, "Invalid nextToken: %v", err)
		}
		filter.After = after
	}
	return filter, nil
}

func (s *Server) GetSandbox(c *gin.Context) (web.ApiResponse[*models.ListedSandbox], *web.ApiError) {
	sbx, err := s.store.Get(c.Param("sandboxID"))
	if err != nil {
		return web.ApiResponse[*models.ListedSandbox]{}, storeError(err)
	}
	return web.ApiResponse[*models.ListedSandbox]{Body: sbx}, nil
}

func (s *Server) KillSandbox(c *gin.Context) (web.ApiResponse[struct{}], *web.ApiError) {
	if err := s.store.Kill(c.Request.Context(), c.Param("sandboxID")); err != nil {
		return web.ApiResponse[struct{}]{}, storeError(err)
	}
	return web.ApiResponse[struct{}]{Code: http.StatusNoContent}, nil
}

func (s *Server) SetSandboxTimeout(c *gin.Context) (web.ApiResponse[struct{}], *web.ApiError) {
	var request models.SetTimeoutRequest
	if apiErr := decodeBody(c, &request, false); apiErr != nil {
		return web.ApiResponse[struct{}]{}, apiErr
	}
	if request.TimeoutSeconds <= 0 || request.TimeoutSeconds > s.store.MaxTimeout {
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusBadRequest, "timeout should between 0 and %d", s.store.MaxTimeout)
	}
	if err := s.store.SetTimeout(c.Request.Context(), c.Param("sandboxID"), request.TimeoutSeconds); err != nil {
		return web.ApiResponse[struct{}]{}, storeError(err)
	}
	return web.ApiResponse[struct{}]{Code: http.StatusNoContent}, nil
}

func (s *Server) RefreshSandbox(c *gin.Context) (web.ApiResponse[struct{}], *web.ApiError) {
	var request models.RefreshRequest
	if apiErr := decodeBody(c, &request, true); apiErr != nil {
		return web.ApiResponse[struct{}]{}, apiErr
	}
	if request.Duration < 0 || request.Duration > maxRefreshDuration {
		return web.ApiResponse[struct{}]{}, web.Errorf(http.StatusBadRequest, "duration should between 0 and %d", maxRefreshDuration)
	}
	if request.Duration == 0 {
		request.Duration = models.RefreshDuration
	}
	if err := s.store.Refresh(c.Request.Context(), c.Param("sandboxID"), request.Duration); err != nil {
		return web.ApiResponse[struct{}]{}, storeError(err)
	}
	return web.ApiResponse[struct{}]{Code: http.StatusNoContent}, nil
}

func (s *Server) PauseSandbox(c *gin.Context) (web.ApiResponse[struct{}], *web.ApiError) {
	if err := s.store.Pause(c.Request.Context(), c.Param("sandboxID")); err != nil {
		return web.ApiResponse[struct{}]{}, storeError(err)
	}
	return web.ApiResponse[struct{}]{Code: http.StatusNoContent}, nil
}

func (s *Server) ResumeSandbox(c *gin.Context) (web.ApiResponse[*models.Sandbox], *web.ApiError) {
	var request models.ResumeRequest
	if apiErr := decodeBody(c, &request, true); apiErr != nil {
		return web.ApiResponse[*models.Sandbox]{}, apiErr
	}
	if request.Timeout == 0 {
		request.Timeout = models.DefaultTimeoutSeconds
	}
	if err := models.ValidateTimeout(request.Timeout, s.store.MaxTimeout); err != nil {
		return web.ApiResponse[*models.Sandbox]{}, web.Errorf(http.StatusBadRequest, "%v", err)
	}
	sbx, err := s.store.Resume(c.Request.Context(), c.Param("sandboxID"), request.Timeout)
	if err != nil {
		return web.ApiResponse[*models.Sandbox]{}, storeError(err)
	}
	sbx.Domain = s.opts.Domain
	return web.ApiResponse[*models.Sandbox]{Code: http.StatusCreated, Body: sbx}, nil
}
