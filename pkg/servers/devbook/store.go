package devbook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/klog/v2"

	"github.com/devbookhq/devbook-go/pkg/api/models"
	"github.com/devbookhq/devbook-go/pkg/consts"
)

const (
	envdVersion      = "0.1.0"
	defaultCPUCount  = 2
	defaultMemoryMB  = 512
	sandboxIDLength  = 20
	defaultListLimit = 1000
)

var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrNotRunning      = errors.New("sandbox is not running")
	ErrNotPaused       = errors.New("sandbox is not paused")
)

type sandbox struct {
	listed      models.ListedSandbox
	owner       string
	accessToken string
	autoPause   bool
	envVars     map[string]string
	runtime     *Runtime
}

func (s *sandbox) model(domain string) *models.Sandbox {
	return &models.Sandbox{
		TemplateID:      s.listed.TemplateID,
		SandboxID:       s.listed.SandboxID,
		ClientID:        s.listed.ClientID,
		Alias:           s.listed.Alias,
		EnvdVersion:     envdVersion,
		EnvdAccessToken: s.accessToken,
		Domain:          domain,
	}
}

func (s *sandbox) snapshot() *models.ListedSandbox {
	listed := s.listed
	if s.listed.Metadata != nil {
		listed.Metadata = make(map[string]string, len(s.listed.Metadata))
		for k, v := range s.listed.Metadata {
			listed.Metadata[k] = v
		}
	}
	return &listed
}

// Store keeps every sandbox of the local server in memory.
type Store struct {
	// MaxTimeout bounds every timeout in seconds; paused sandboxes live this long.
	MaxTimeout int32
	now        func() time.Time

	mu        sync.RWMutex
	sandboxes map[string]*sandbox
}

func NewStore(maxTimeout int32) *Store {
	if maxTimeout <= 0 {
		maxTimeout = models.MaxTimeoutSeconds
	}
	return &Store{
		MaxTimeout: maxTimeout,
		now:        time.Now,
		sandboxes:  make(map[string]*sandbox),
	}
}

func (s *Store) after(seconds int32) time.Time {
	return s.now().Add(time.Duration(seconds) * time.Second)
}

// Create registers a running sandbox for request, which must already be validated.
func (s *Store) Create(ctx context.Context, owner string, request *models.NewSandbox) *models.Sandbox {
	now := s.now()
	sbx := &sandbox{
		listed: models.ListedSandbox{
			TemplateID: request.TemplateID,
			SandboxID:  rand.String(sandboxIDLength),
			ClientID:   uuid.NewString()[:8],
			StartedAt:  now,
			EndAt:      s.after(request.Timeout),
			CPUCount:   defaultCPUCount,
			MemoryMB:   defaultMemoryMB,
			Metadata:   request.Metadata,
			State:      models.SandboxStateRunning,
		},
		owner:     owner,
		autoPause: request.AutoPause,
		envVars:   request.EnvVars,
	}
	if request.Secure {
		sbx.accessToken = uuid.NewString()
	}
	sbx.runtime = NewRuntime(sbx.listed.SandboxID, sbx.envVars)

	s.mu.Lock()
	s.sandboxes[sbx.listed.SandboxID] = sbx
	s.mu.Unlock()
	klog.FromContext(ctx).Info("sandbox created", "sandboxID", sbx.listed.SandboxID,
		"template", request.TemplateID, "endAt", sbx.listed.EndAt)
	return sbx.model("")
}

func (s *Store) get(id string) (*sandbox, error) {
	sbx, ok := s.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, id)
	}
	return sbx, nil
}

func (s *Store) Get(id string) (*models.ListedSandbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sbx, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return sbx.snapshot(), nil
}

// Owner returns the API key ID that created the sandbox.
func (s *Store) Owner(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sbx, ok := s.sandboxes[id]
	if !ok {
		return "", false
	}
	return sbx.owner, true
}

// Connect returns the runtime of a running sandbox after checking its access token.
func (s *Store) Connect(id, accessToken string) (*Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sbx, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sbx.listed.State != models.SandboxStateRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if sbx.accessToken != "" && sbx.accessToken != accessToken {
		return nil, ErrInvalidAccessToken
	}
	return sbx.runtime, nil
}

type ListFilter struct {
	Owner    string
	States   []models.SandboxState
	Metadata map[string]string
	Limit    int
	// After is the position of the last sandbox of the previous page.
	After *Cursor
}

// Cursor is the sort position of a sandbox in listings: start time, then ID.
// It stays valid after the sandbox it was taken from is gone.
type Cursor struct {
	StartedAt time.Time
	SandboxID string
}

func cursorOf(l *models.ListedSandbox) *Cursor {
	return &Cursor{StartedAt: l.StartedAt, SandboxID: l.SandboxID}
}

// String encodes the cursor as "<unix nanos>.<sandboxID>".
func (c *Cursor) String() string {
	return strconv.FormatInt(c.StartedAt.UnixNano(), 10) + "." + c.SandboxID
}

func ParseCursor(raw string) (*Cursor, error) {
	nanos, id, ok := strings.Cut(raw, ".")
	if !ok || id == "" {
		return nil, fmt.Errorf("malformed cursor %q", raw)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor %q: %w", raw, err)
	}
	return &Cursor{StartedAt: time.Unix(0, n).UTC(), SandboxID: id}, nil
}

func listedBefore(a, b *models.ListedSandbox) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.Before(b.StartedAt)
	}
	return a.SandboxID < b.SandboxID
}

// sortsAfter reports whether l comes after the cursor position.
func (c *Cursor) sortsAfter(l *models.ListedSandbox) bool {
	return listedBefore(&models.ListedSandbox{StartedAt: c.StartedAt, SandboxID: c.SandboxID}, l)
}

func (f *ListFilter) match(sbx *sandbox) bool {
	if f.Owner != "" && sbx.owner != f.Owner {
		return false
	}
	if f.After != nil && !f.After.sortsAfter(&sbx.listed) {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if sbx.listed.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range f.Metadata {
		if sbx.listed.Metadata[k] != v {
			return false
		}
	}
	return true
}

// List returns matching sandboxes ordered by start time and the cursor of the next page, if any.
func (s *Store) List(filter ListFilter) ([]*models.ListedSandbox, *Cursor) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	s.mu.RLock()
	matched := make([]*sandbox, 0, len(s.sandboxes))
	for _, sbx := range s.sandboxes {
		if filter.match(sbx) {
			matched = append(matched, sbx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return listedBefore(&matched[i].listed, &matched[j].listed)
	})
	result := make([]*models.ListedSandbox, 0, min(filter.Limit, len(matched)))
	var next *Cursor
	for _, sbx := range matched {
		if len(result) == filter.Limit {
			next = cursorOf(result[len(result)-1])
			break
		}
		result = append(result, sbx.snapshot())
	}
	s.mu.RUnlock()
	return result, next
}

func (s *Store) Kill(ctx context.Context, id string) error {
	s.mu.Lock()
	sbx, err := s.get(id)
	if err == nil {
		delete(s.sandboxes, id)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	sbx.runtime.Close()
	klog.FromContext(ctx).Info("sandbox killed", "sandboxID", id)
	return nil
}

// SetTimeout replaces the end time of a running sandbox with now+timeout.
func (s *Store) SetTimeout(ctx context.Context, id string, timeout int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, err := s.get(id)
	if err != nil {
		return err
	}
	if sbx.listed.State != models.SandboxStateRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	sbx.listed.EndAt = s.after(timeout)
	klog.FromContext(ctx).V(consts.DebugLogLevel).Info("sandbox timeout set", "sandboxID", id, "endAt", sbx.listed.EndAt)
	return nil
}

// Refresh extends a running sandbox so that it lives at least duration more seconds.
func (s *Store) Refresh(ctx context.Context, id string, duration int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, err := s.get(id)
	if err != nil {
		return err
	}
	if sbx.listed.State != models.SandboxStateRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if endAt := s.after(duration); endAt.After(sbx.listed.EndAt) {
		sbx.listed.EndAt = endAt
	}
	return nil
}

func (s *Store) Pause(ctx context.Context, id string) error {
	s.mu.Lock()
	sbx, err := s.get(id)
	if err == nil && sbx.listed.State != models.SandboxStateRunning {
		err = fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	if err == nil {
		s.pause(sbx)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	sbx.runtime.Disconnect()
	klog.FromContext(ctx).Info("sandbox paused", "sandboxID", id)
	return nil
}

func (s *Store) pause(sbx *sandbox) {
	sbx.listed.State = models.SandboxStatePaused
	sbx.listed.EndAt = s.after(s.MaxTimeout)
}

// Resume runs a paused sandbox again for timeout seconds.
func (s *Store) Resume(ctx context.Context, id string, timeout int32) (*models.Sandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sbx, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if sbx.listed.State != models.SandboxStatePaused {
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, id)
	}
	sbx.listed.State = models.SandboxStateRunning
	sbx.listed.EndAt = s.after(timeout)
	klog.FromContext(ctx).Info("sandbox resumed", "sandboxID", id, "endAt", sbx.listed.EndAt)
	return sbx.model(""), nil
}

// Reap kills expired sandboxes, or pauses running ones created with auto pause.
// It returns the number of sandboxes killed and paused.
func (s *Store) Reap(ctx context.Context) (killed, paused int) {
	log := klog.FromContext(ctx)
	now := s.now()
	var killedRuntimes, pausedRuntimes []*Runtime
	s.mu.Lock()
	for id, sbx := range s.sandboxes {
		if now.Before(sbx.listed.EndAt) {
			continue
		}
		if sbx.autoPause && sbx.listed.State == models.SandboxStateRunning {
			s.pause(sbx)
			pausedRuntimes = append(pausedRuntimes, sbx.runtime)
			paused++
			log.Info("sandbox expired, paused", "sandboxID", id)
			continue
		}
		delete(s.sandboxes, id)
		killedRuntimes = append(killedRuntimes, sbx.runtime)
		killed++
		log.Info("sandbox expired, killed", "sandboxID", id)
	}
	s.mu.Unlock()
	for _, rt := range killedRuntimes {
		rt.Close()
	}
	for _, rt := range pausedRuntimes {
		rt.Disconnect()
	}
	return killed, paused
}

// Count returns the number of sandboxes in state.
func (s *Store) Count(state models.SandboxState) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sbx := range s.sandboxes {
		if sbx.listed.State == state {
			n++
		}
	}
	return n
}
