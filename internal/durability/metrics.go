package durability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licenserelay_ack_outcomes_total",
		Help: "Delivery acknowledgments recorded, by outcome.",
	}, []string{"outcome"})

	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licenserelay_retry_attempts_total",
		Help: "Retry sweep delivery attempts, by publish outcome.",
	}, []string{"outcome"})

	deadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenserelay_dead_letters_total",
		Help: "Events quarantined after exhausting the retry budget.",
	})
)

func recordAckOutcome(outcome string) { ackOutcomes.WithLabelValues(outcome).Inc() }

func recordRetryAttempt(outcome string) { retryAttempts.WithLabelValues(outcome).Inc() }

func recordDeadLetter() { deadLetters.Inc() }
