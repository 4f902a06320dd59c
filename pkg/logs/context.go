package logs

import (
	"context"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// NewContext returns a fresh context carrying a logger tagged with a new contextID.
// It does not inherit cancellation from any caller context.
func NewContext(keysAndValues ...any) context.Context {
	return NewContextFrom(context.Background(), keysAndValues...)
}

// NewContextFrom is like NewContext but derives from parent, keeping its deadline and cancellation.
func NewContextFrom(parent context.Context, keysAndValues ...any) context.Context {
	log := klog.FromContext(parent)
	if log.GetSink() == nil {
		log = klog.Background()
	}
	logger := klog.LoggerWithValues(log, "contextID", uuid.NewString())
	return klog.NewContext(parent, logger.WithValues(keysAndValues...))
}
