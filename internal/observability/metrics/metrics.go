// Package metrics turns eventbus traffic into prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stayintouch/internal/broadcast"
	"stayintouch/internal/eventbus"
	"stayintouch/pkg/logx"
)

const namespace = "stayintouch"

// Collector owns a private registry so tests and multiple instances do not
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	events        *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	invitesSent   prometheus.Counter
	inviteFailed  prometheus.Counter
	forwards      prometheus.Counter
	confirmations *prometheus.CounterVec
	revoked       prometheus.Counter
	notifications *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// Gauges are sampled on scrape.
type Gauges struct {
	ActiveSessions func() int
	BusDropped     func() uint64
}

func New(log logx.Logger, g Gauges) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		log: log.With(logx.Component("metrics")),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events seen on the internal bus by type.",
		}, []string{"type"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "sessions_total",
			Help: "Broadcast sessions by terminal state.",
		}, []string{"state"}),
		invitesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "invites_sent_total",
			Help: "Invites delivered to contacts.",
		}),
		inviteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "invites_failed_total",
			Help: "Invites the transport refused.",
		}),
		forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "forwards_needed_total",
			Help: "Contacts without a chat binding at send time.",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "confirmations_total",
			Help: "Confirmation attempts by result.",
		}, []string{"result"}),
		revoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "invites_revoked_total",
			Help: "Open invites withdrawn.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "messages_total",
			Help: "Notifier deliveries by result.",
		}, []string{"result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "jobs_total",
			Help: "Scheduled job runs by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
		c.events, c.sessions, c.invitesSent, c.inviteFailed, c.forwards,
		c.confirmations, c.revoked, c.notifications, c.jobs,
	)
	if g.ActiveSessions != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "active_sessions",
			Help: "Sessions currently registered.",
		}, func() float64 { return float64(g.ActiveSessions()) }))
	}
	if g.BusDropped != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_dropped_total",
			Help: "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(g.BusDropped()) }))
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	c.log.Debug("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe folds one event into the counters.
func (c *Collector) Observe(ev eventbus.Event) {
	c.events.WithLabelValues(ev.Type).Inc()
	switch ev.Type {
	case eventbus.BroadcastEnded:
		state := "unknown"
		if se, ok := ev.Data.(broadcast.SessionEvent); ok && se.State != "" {
			state = se.State
		}
		c.sessions.WithLabelValues(state).Inc()
	case eventbus.BroadcastInviteSent:
		c.invitesSent.Inc()
	case eventbus.BroadcastInviteFailed:
		c.inviteFailed.Inc()
	case eventbus.BroadcastForwardNeeded:
		c.forwards.Inc()
	case eventbus.BroadcastConfirmed:
		c.confirmations.WithLabelValues("confirmed").Inc()
	case eventbus.BroadcastAlreadyResolved:
		c.confirmations.WithLabelValues("already_resolved").Inc()
	case eventbus.BroadcastRevoked:
		if re, ok := ev.Data.(broadcast.RevokedEvent); ok {
			c.revoked.Add(float64(re.Count))
		}
	default:
		switch {
		case strings.HasPrefix(ev.Type, "notifier."):
			c.notifications.WithLabelValues(strings.TrimPrefix(ev.Type, "notifier.")).Inc()
		case strings.HasPrefix(ev.Type, "scheduler."):
			c.jobs.WithLabelValues(strings.TrimPrefix(ev.Type, "scheduler.job_")).Inc()
		}
	}
}
