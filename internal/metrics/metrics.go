package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ticketmail"

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_failures_total",
			Help:      "Total failed delivery attempts by resulting job status",
		},
		[]string{"status"},
	)

	ClaimsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_skipped_total",
			Help:      "Claim attempts that found the job owned or finished",
		},
	)

	TicketsRendered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_rendered_total",
			Help:      "Ticket PDFs rendered",
		},
	)

	TicketRenderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_render_failures_total",
			Help:      "Tickets skipped because rendering failed",
		},
	)

	TemplateFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "template_fetches_total",
			Help:      "Template asset lookups by result",
		},
		[]string{"result"},
	)

	SweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed queue sweeps",
		},
	)

	SweepJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_jobs_total",
			Help:      "Jobs picked up by queue sweeps",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(ClaimsSkipped)
	prometheus.MustRegister(TicketsRendered)
	prometheus.MustRegister(TicketRenderFailures)
	prometheus.MustRegister(TemplateFetches)
	prometheus.MustRegister(SweepRuns)
	prometheus.MustRegister(SweepJobs)
}
