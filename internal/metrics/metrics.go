package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Proposal status label values (bounded set).
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Order outcome label values (bounded set).
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Negotiation metrics. Participant names come from configuration, so label
// cardinality stays bounded by the deployment size.
var (
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_messages_handled_total",
		Help: "Messages processed per participant and performative",
	}, []string{"participant", "performative"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_messages_dropped_total",
		Help: "Inbound messages dropped because a participant inbox was full",
	}, []string{"participant"})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grocernet_sessions_active",
		Help: "Negotiation sessions currently claimed per participant",
	}, []string{"participant"})

	DuplicatesSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_duplicates_suppressed_total",
		Help: "Order requests ignored because the session was already active",
	}, []string{"participant"})

	QuotesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_quotes_received_total",
		Help: "Supplier quotes collected per broker",
	}, []string{"broker"})

	ProposalsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_proposals_sent_total",
		Help: "Fulfillment proposals sent per broker and status",
	}, []string{"broker", "status"})

	OrdersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grocernet_orders_completed_total",
		Help: "Orders finished per requester and outcome",
	}, []string{"requester", "outcome"})

	AllocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grocernet_allocation_duration_seconds",
		Help:    "Time spent computing a fulfillment plan",
		Buckets: prometheus.DefBuckets,
	}, []string{"broker"})
)
