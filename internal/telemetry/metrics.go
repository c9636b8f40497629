package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal — завершённые executions по финальному статусу.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptline_executions_total",
		Help: "Executions finished, by terminal status",
	}, []string{"status"})

	// StepAttemptsTotal — попытки шагов по провайдеру и итогу попытки.
	StepAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptline_step_attempts_total",
		Help: "Step attempts, by provider and attempt status",
	}, []string{"provider", "status"})

	// StepDuration — длительность попытки шага.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptline_step_duration_seconds",
		Help:    "Duration of a single step attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})

	// ProviderRequestsTotal — обращения к провайдерам моделей.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptline_provider_requests_total",
		Help: "Model provider invocations, by provider and outcome",
	}, []string{"provider", "outcome"})

	// RunnerActiveExecutions — executions, выполняемые runner'ом прямо сейчас.
	RunnerActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promptline_runner_active_executions",
		Help: "Executions currently being processed by this runner",
	})

	// SweptExecutionsTotal — executions, переведённые sweeper'ом в failed.
	SweptExecutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptline_swept_executions_total",
		Help: "Stale executions failed by the recovery sweeper",
	})

	// HTTPRequestsTotal — HTTP-запросы к API.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptline_api_http_requests_total",
		Help: "Total HTTP requests handled by promptline-api",
	}, []string{"method", "status"})
)
