package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// to prevent metrics from being registered multiple times
	isMetricsInitVar uint32 = 0

	// current connection state, one series per state with value 0 or 1
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wa_connection_state",
		Help: "Current messaging connection state (1 = active)",
	}, []string{"state"})

	// number of reconnect attempts scheduled after a recoverable close
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_reconnects_total",
		Help: "The total number of scheduled reconnects",
	})

	// credential writes that failed and were only logged
	CredsSaveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wa_creds_save_failures_total",
		Help: "The total number of failed credential saves",
	})

	// inbound messages dropped before dispatch, by reason
	MessagesDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_discarded_total",
		Help: "The total number of discarded inbound messages",
	}, []string{"reason"})

	// inbound messages whose handling failed and got no reply
	MessageFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_message_failures_total",
		Help: "The total number of inbound messages that failed processing",
	})

	// commands dispatched, by command name and outcome
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_total",
		Help: "The total number of dispatched commands",
	}, []string{"command", "outcome"})

	// download tokens issued, by kind
	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_download_tokens_issued_total",
		Help: "The total number of issued download tokens",
	}, []string{"kind"})

	// PIN attempts by result
	PinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_pin_attempts_total",
		Help: "The total number of PIN attempts by result",
	}, []string{"result"})

	// active push subscribers
	PushSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "push_subscribers",
		Help: "Number of connected push subscribers",
	})

	// Number of requests processed by REST API
	RESTRequestMetricsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_requests_processed_total",
		Help: "The total number of processed REST requests",
	}, []string{"method", "endpoint", "status"})

	// response times for REST APIs
	responseTimeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_time_milliseconds",
			Help:    "REST API response time distributions",
			Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
		},
		[]string{"method", "endpoint"},
	)
)

var connectionStates = []string{"connecting", "open", "close"}

func setIsMetricsInit() {
	atomic.StoreUint32(&isMetricsInitVar, 1)
}

func isMetricsInit() bool {
	return atomic.LoadUint32(&isMetricsInitVar) == 1
}

// InitMetrics registers every collector with the default registry once.
func InitMetrics() {
	if !isMetricsInit() {
		setIsMetricsInit()

		prometheus.MustRegister(ConnectionState)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(CredsSaveFailures)
		prometheus.MustRegister(MessagesDiscarded)
		prometheus.MustRegister(MessageFailures)
		prometheus.MustRegister(CommandsTotal)
		prometheus.MustRegister(TokensIssued)
		prometheus.MustRegister(PinAttempts)
		prometheus.MustRegister(PushSubscribers)
		prometheus.MustRegister(RESTRequestMetricsTotal)
		prometheus.MustRegister(responseTimeRESTAPI)
	}
}

// SetConnectionState flips the state gauge so exactly one state reads 1.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RESTRequestMetricsTotal.WithLabelValues(r.Method, endpoint, http.StatusText(status)).Inc()
		responseTimeRESTAPI.WithLabelValues(r.Method, endpoint).Observe(float64(time.Since(start).Milliseconds()))
	})
}
