package rnn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	configureDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recurve_lstm_configure_duration_seconds",
		Help:    "Time spent validating and building the LSTM step pipeline",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recurve_lstm_run_duration_seconds",
		Help:    "Time spent executing one LSTM time step",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recurve_lstm_steps_total",
		Help: "Total LSTM time steps executed",
	})
)
