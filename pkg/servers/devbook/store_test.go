package devbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Step(d time.Duration) { f.now = f.now.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewStore(3600)
	store.now = clock.Now
	return store, clock
}

func createSandbox(t *testing.T, store *Store, owner string, mutate ...func(*models.NewSandbox)) string {
	t.Helper()
	request := &models.NewSandbox{TemplateID: "base", Timeout: 60}
	for _, m := range mutate {
		m(request)
	}
	require.NoError(t, request.Validate())
	return store.Create(context.Background(), owner, request).SandboxID
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	id := createSandbox(t, store, "owner")

	sbx, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateRunning, sbx.State)
	assert.Equal(t, clock.now.Add(time.Minute), sbx.EndAt)

	require.NoError(t, store.Refresh(ctx, id, 30))
	sbx, _ = store.Get(id)
	assert.Equal(t, clock.now.Add(time.Minute), sbx.EndAt, "refresh never shortens")
	require.NoError(t, store.Refresh(ctx, id, 120))
	sbx, _ = store.Get(id)
	assert.Equal(t, clock.now.Add(2*time.Minute), sbx.EndAt)

	require.NoError(t, store.SetTimeout(ctx, id, 10))
	sbx, _ = store.Get(id)
	assert.Equal(t, clock.now.Add(10*time.Second), sbx.EndAt)

	require.NoError(t, store.Pause(ctx, id))
	assert.ErrorIs(t, store.Pause(ctx, id), ErrNotRunning)
	assert.ErrorIs(t, store.SetTimeout(ctx, id, 10), ErrNotRunning)
	assert.ErrorIs(t, store.Refresh(ctx, id, 10), ErrNotRunning)
	_, err = store.Connect(id, "")
	assert.ErrorIs(t, err, ErrNotRunning)
	sbx, _ = store.Get(id)
	assert.Equal(t, models.SandboxStatePaused, sbx.State)
	assert.Equal(t, 1, store.Count(models.SandboxStatePaused))

	resumed, err := store.Resume(ctx, id, 300)
	require.NoError(t, err)
	assert.Equal(t, id, resumed.SandboxID)
	_, err = store.Resume(ctx, id, 300)
	assert.ErrorIs(t, err, ErrNotPaused)

	require.NoError(t, store.Kill(ctx, id))
	assert.ErrorIs(t, store.Kill(ctx, id), ErrSandboxNotFound)
	_, err = store.Get(id)
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}

func TestStore_Reap(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	short := createSandbox(t, store, "o", func(r *models.NewSandbox) { r.Timeout = 30 })
	long := createSandbox(t, store, "o", func(r *models.NewSandbox) { r.Timeout = 600 })
	autoPause := createSandbox(t, store, "o", func(r *models.NewSandbox) { r.Timeout = 30; r.AutoPause = true })

	killed, paused := store.Reap(ctx)
	assert.Zero(t, killed)
	assert.Zero(t, paused)

	clock.Step(time.Minute)
	killed, paused = store.Reap(ctx)
	assert.Equal(t, 1, killed)
	assert.Equal(t, 1, paused)

	_, err := store.Get(short)
	assert.ErrorIs(t, err, ErrSandboxNotFound)
	sbx, err := store.Get(long)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateRunning, sbx.State)
	sbx, err = store.Get(autoPause)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStatePaused, sbx.State)

	clock.Step(2 * time.Hour)
	killed, _ = store.Reap(ctx)
	assert.Equal(t, 2, killed)
	assert.Zero(t, store.Count(models.SandboxStateRunning)+store.Count(models.SandboxStatePaused))
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	var ids []string
	for i := 0; i < 5; i++ {
		owner := "a"
		if i%2 == 1 {
			owner = "b"
		}
		ids = append(ids, createSandbox(t, store, owner, func(r *models.NewSandbox) {
			r.Metadata = map[string]string{"index": string(rune('0' + i))}
		}))
		clock.Step(time.Second)
	}
	require.NoError(t, store.Pause(ctx, ids[4]))

	cursor := func(i int) *Cursor {
		sbx, err := store.Get(ids[i])
		require.NoError(t, err)
		return cursorOf(sbx)
	}

	tests := []struct {
		name     string
		filter   ListFilter
		wantIDs  []string
		wantNext string
	}{
		{name: "all in start order", filter: ListFilter{}, wantIDs: ids},
		{name: "by owner", filter: ListFilter{Owner: "b"}, wantIDs: []string{ids[1], ids[3]}},
		{name: "by state", filter: ListFilter{States: []models.SandboxState{models.SandboxStatePaused}}, wantIDs: []string{ids[4]}},
		{name: "by metadata", filter: ListFilter{Metadata: map[string]string{"index": "2"}}, wantIDs: []string{ids[2]}},
		{name: "first page", filter: ListFilter{Limit: 2}, wantIDs: ids[:2], wantNext: ids[1]},
		{name: "second page", filter: ListFilter{Limit: 2, After: cursor(1)}, wantIDs: ids[2:4], wantNext: ids[3]},
		{name: "last page", filter: ListFilter{Limit: 2, After: cursor(3)}, wantIDs: ids[4:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, next := store.List(tt.filter)
			gotIDs := make([]string, 0, len(got))
			for _, sbx := range got {
				gotIDs = append(gotIDs, sbx.SandboxID)
			}
			assert.Equal(t, tt.wantIDs, gotIDs)
			if tt.wantNext == "" {
				assert.Nil(t, next)
			} else {
				require.NotNil(t, next)
				assert.Equal(t, tt.wantNext, next.SandboxID)
			}
		})
	}
}

func TestStore_ListCursorOutlivesSandbox(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, createSandbox(t, store, "o"))
		clock.Step(time.Second)
	}

	page, next := store.List(ListFilter{Limit: 2})
	require.Len(t, page, 2)
	require.NotNil(t, next)
	require.Equal(t, ids[1], next.SandboxID)
	require.NoError(t, store.Kill(ctx, next.SandboxID))

	parsed, err := ParseCursor(next.String())
	require.NoError(t, err)
	page, next = store.List(ListFilter{Limit: 2, After: parsed})
	gotIDs := []string{}
	for _, sbx := range page {
		gotIDs = append(gotIDs, sbx.SandboxID)
	}
	assert.Equal(t, ids[2:], gotIDs)
	assert.Nil(t, next)
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid", raw: "1735689600000000000.abc"},
		{name: "no separator", raw: "abc", wantErr: true},
		{name: "no id", raw: "1735689600000000000.", wantErr: true},
		{name: "bad time", raw: "x.abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCursor(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, c.String())
		})
	}
}

func TestStore_Connect(t *testing.T) {
	store, _ := newTestStore()
	secure := createSandbox(t, store, "o", func(r *models.NewSandbox) { r.Secure = true })
	open := createSandbox(t, store, "o")

	_, err := store.Connect(secure, "wrong")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
	_, err = store.Connect(open, "")
	assert.NoError(t, err)
	_, err = store.Connect("missing", "")
	assert.ErrorIs(t, err, ErrSandboxNotFound)
}
