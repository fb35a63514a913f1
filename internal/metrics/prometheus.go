package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nodebus/internal/bus"
)

type Prom struct {
	reg *prometheus.Registry

	Connections prometheus.Gauge
	Received    *prometheus.CounterVec
	Dropped     *prometheus.CounterVec
	Listens     prometheus.Counter
	Unlistens   prometheus.Counter
	Published   prometheus.Counter
}

func NewProm() *Prom {
	reg := prometheus.NewRegistry()
	p := &Prom{
		reg:         reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "nodebus", Name: "connections", Help: "Open peer connections"}),
		Received:    prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "nodebus", Name: "messages_received_total", Help: "Envelopes that passed the transform chain"}, []string{"origin"}),
		Dropped:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "nodebus", Name: "messages_dropped_total", Help: "Messages dropped before dispatch; invalid_json is also counted as rejected"}, []string{"reason"}),
		Listens:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "nodebus", Name: "listens_total", Help: "Listen control messages handled"}),
		Unlistens:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "nodebus", Name: "unlistens_total", Help: "Unlisten control messages handled"}),
		Published:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "nodebus", Name: "events_published_total", Help: "Server-originated events accepted"}),
	}
	reg.MustRegister(p.Connections, p.Received, p.Dropped, p.Listens, p.Unlistens, p.Published)
	return p
}

func (p *Prom) Handler() http.Handler { return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{}) }

func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// Observer feeds the collectors from hub notifications.
func (p *Prom) Observer() bus.Observer {
	return func(n bus.Notification) {
		switch n.Kind {
		case bus.KindConnect:
			p.Connections.Inc()
		case bus.KindDisconnect:
			p.Connections.Dec()
		case bus.KindReceive:
			p.Received.WithLabelValues(n.Origin.String()).Inc()
			if n.Origin == bus.OriginLocal {
				p.Published.Inc()
			}
		case bus.KindInvalidMessage:
			p.Dropped.WithLabelValues("invalid_message").Inc()
		case bus.KindInvalidJSON:
			p.Dropped.WithLabelValues("invalid_json").Inc()
		case bus.KindRejected:
			p.Dropped.WithLabelValues("rejected").Inc()
		case bus.KindListen:
			p.Listens.Inc()
		case bus.KindUnlisten:
			p.Unlistens.Inc()
		}
	}
}
