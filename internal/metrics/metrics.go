// Package metrics exposes per-process Prometheus counters and gauges,
// generalized from the teacher's single admin-facing Collector into a
// small set of registries each pipeline process mounts on its own
// /metrics listener: the gateway tracks active calls and lines, the
// processors track ring/FIFO depth and scheduler jitter, and the
// worker processes track chunk throughput.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Serve starts a background HTTP server exposing /metrics on addr using
// the default registry. Grounded on the teacher's pattern of a small
// dedicated http.Server per concern.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go srv.ListenAndServe() //nolint:errcheck
	return srv
}

// Gateway holds the SIP gateway's counters: active calls/lines and
// REGISTER/INVITE volume.
type Gateway struct {
	ActiveCalls      prometheus.Gauge
	RegisteredLines  prometheus.Gauge
	LinesErrored     prometheus.Gauge
	InvitesTotal     *prometheus.CounterVec
	RegisterFailures *prometheus.CounterVec
}

var (
	gatewayOnce  sync.Once
	gatewayInst  *Gateway
	mediaProcMu  sync.Mutex
	mediaProcs   = map[string]*MediaProc{}
	workerMu     sync.Mutex
	workers      = map[string]*Worker{}
)

// NewGateway registers and returns the gateway's metric set. A process
// only ever constructs one, but the registration is memoized so calling
// it more than once (as package tests do) doesn't panic on duplicate
// registration against the global Prometheus registry.
func NewGateway() *Gateway {
	gatewayOnce.Do(func() {
		gatewayInst = newGateway()
	})
	return gatewayInst
}

func newGateway() *Gateway {
	return &Gateway{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_gateway_active_calls",
			Help: "Number of calls currently in an active dialog state.",
		}),
		RegisteredLines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_gateway_registered_lines",
			Help: "Number of SIP lines currently registered.",
		}),
		LinesErrored: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_gateway_lines_errored",
			Help: "Number of SIP lines in the error state after repeated auth failures.",
		}),
		InvitesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_gateway_invites_total",
			Help: "Total INVITEs handled, labeled by direction.",
		}, []string{"direction"}),
		RegisterFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_gateway_register_failures_total",
			Help: "Total failed REGISTER attempts, labeled by line.",
		}, []string{"line_id"}),
	}
}

// MediaProc holds the metrics shared by the inbound and outbound audio
// processors: ring/FIFO fill level and scheduler tick jitter.
type MediaProc struct {
	RingFillLevel prometheus.Gauge
	FramesDropped prometheus.Counter
	TickJitter    prometheus.Histogram
}

// NewMediaProc registers and returns a media processor's metric set.
// subsystem distinguishes "inboundproc" from "outboundproc" in the
// exported metric names. Memoized per subsystem for the same reason as
// NewGateway.
func NewMediaProc(subsystem string) *MediaProc {
	mediaProcMu.Lock()
	defer mediaProcMu.Unlock()
	if m, ok := mediaProcs[subsystem]; ok {
		return m
	}
	m := newMediaProc(subsystem)
	mediaProcs[subsystem] = m
	return m
}

func newMediaProc(subsystem string) *MediaProc {
	return &MediaProc{
		RingFillLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_" + subsystem + "_fill_level",
			Help: "Current depth of the shared-memory ring or output FIFO, in frames.",
		}),
		FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_" + subsystem + "_frames_dropped_total",
			Help: "Total frames dropped due to backpressure.",
		}),
		TickJitter: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_" + subsystem + "_tick_jitter_seconds",
			Help:    "Deviation of the 20ms scheduler tick from its scheduled time.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
	}
}

// Worker holds the metrics shared by the STT, LLM, and TTS worker
// processes: chunk throughput and active session count.
type Worker struct {
	ChunksTotal    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	SessionsReaped prometheus.Counter
}

// NewWorker registers and returns a worker's metric set. subsystem is
// "sttworker", "llmworker", or "ttsworker". Memoized per subsystem for
// the same reason as NewGateway.
func NewWorker(subsystem string) *Worker {
	workerMu.Lock()
	defer workerMu.Unlock()
	if w, ok := workers[subsystem]; ok {
		return w
	}
	w := newWorker(subsystem)
	workers[subsystem] = w
	return w
}

func newWorker(subsystem string) *Worker {
	return &Worker{
		ChunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicebridge_" + subsystem + "_chunks_total",
			Help: "Total chunks processed (audio frames, text segments, or TTS chunks).",
		}, []string{"direction"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_" + subsystem + "_active_sessions",
			Help: "Number of call sessions currently connected.",
		}),
		SessionsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_" + subsystem + "_sessions_reaped_total",
			Help: "Total sessions closed by the idle reaper.",
		}),
	}
}
