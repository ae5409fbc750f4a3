package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "minichat"

type Metrics struct {
	posts  prometheus.Counter
	polls  *prometheus.CounterVec
	errors *prometheus.CounterVec
	swept  prometheus.Counter
}

// NewMetrics creates the service collectors and registers them to reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		posts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "posts_total",
			Help:      "Messages appended.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "polls_total",
			Help:      "Successful polls by result: changed or unchanged.",
		}, []string{"result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Failed requests by error kind.",
		}, []string{"op", "kind"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_swept_total",
			Help:      "Stale presence entries deleted by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.posts, m.polls, m.errors, m.swept)
	}
	return m
}

func (m *Metrics) observeError(op string, err error) {
	m.errors.WithLabelValues(op, KindOf(err).String()).Inc()
}
