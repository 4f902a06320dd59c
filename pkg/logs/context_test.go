package logs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestNewContext(t *testing.T) {
	tests := []struct {
		name string
		kv   []any
	}{
		{name: "with values", kv: []any{"sandboxID", "abc", "service", "process"}},
		{name: "without values"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewContext(tt.kv...)
			require.NotNil(t, ctx)
			assert.NotEqual(t, klog.Logger{}, klog.FromContext(ctx))
			assert.NoError(t, ctx.Err())
		})
	}
}

func TestNewContextFrom_InheritsCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := NewContextFrom(parent, "key", "value")
	assert.NoError(t, ctx.Err())

	cancel()
	select {
	case <-ctx.Done():
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("derived context should be canceled with its parent")
	}
}

func TestNewContextFrom_KeepsParentLogger(t *testing.T) {
	base := klog.NewContext(context.Background(), klog.Background().WithName("parent"))
	ctx := NewContextFrom(base)
	assert.NotNil(t, klog.FromContext(ctx).GetSink())
}
