package devbook

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/devbookhq/devbook-go/pkg/api/models"
)

type serverMetrics struct {
	rpcCalls *prometheus.CounterVec
	reaped   *prometheus.CounterVec
}

func newServerMetrics(reg prometheus.Registerer, store *Store) *serverMetrics {
	m := &serverMetrics{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devbook_server_rpc_calls_total",
			Help: "Runtime JSON-RPC calls by method and result.",
		}, []string{"method", "result"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devbook_server_sandboxes_reaped_total",
			Help: "Expired sandboxes by the action taken.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.rpcCalls, m.reaped)
	for _, state := range []models.SandboxState{models.SandboxStateRunning, models.SandboxStatePaused} {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "devbook_server_sandboxes",
			Help:        "Sandboxes currently held by the server.",
			ConstLabels: prometheus.Labels{"state": string(state)},
		}, func() float64 { return float64(store.Count(state)) }))
	}
	return m
}

const unknownMethod = "unknown"

var runtimeServices = sets.New(codeSnippetService, filesystemService, terminalService, processService)

// methodLabel keeps the method label bounded: anything the runtime does not serve is "unknown".
func methodLabel(method string) string {
	if _, ok := rpcHandlers[method]; ok {
		return method
	}
	for _, suffix := range []string{subscribeSuffix, unsubscribeSuffix} {
		if service, ok := strings.CutSuffix(method, suffix); ok && runtimeServices.Has(service) {
			return method
		}
	}
	return unknownMethod
}

func (m *serverMetrics) observeRPC(method string, err *models.Error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.rpcCalls.WithLabelValues(methodLabel(method), result).Inc()
}

func (m *serverMetrics) observeReap(killed, paused int) {
	if m == nil {
		return
	}
	m.reaped.WithLabelValues("kill").Add(float64(killed))
	m.reaped.WithLabelValues("pause").Add(float64(paused))
}
