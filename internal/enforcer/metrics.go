package enforcer

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licenserelay_activations_total",
		Help: "Machine activation attempts, by outcome.",
	}, []string{"outcome"})

	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "licenserelay_validations_total",
		Help: "License validation checks, by result.",
	}, []string{"valid"})

	revocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "licenserelay_revocations_total",
		Help: "Licenses revoked.",
	})
)

func recordActivation(outcome string) { activations.WithLabelValues(outcome).Inc() }

func recordValidation(valid bool) { validations.WithLabelValues(strconv.FormatBool(valid)).Inc() }

func recordRevocation() { revocations.Inc() }
