package handlers

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/stripe"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
)

var (
	db           *sql.DB
	logger       logging.Logger
	metrics      *BursarMetrics
	svc          *ledger.Service
	stripeClient *stripe.Client
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	LedgerOperations *prometheus.CounterVec
	KillSwitchChecks *prometheus.CounterVec
	TopupOperations  *prometheus.CounterVec
	ExpiredHolds     prometheus.Counter
	DBQueries        *prometheus.CounterVec
	DBDuration       *prometheus.HistogramVec
	DBConnections    *prometheus.GaugeVec
	KafkaMessages    *prometheus.CounterVec
	KafkaDuration    *prometheus.HistogramVec
}

// Init initializes the handlers with database, logger, and service clients
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics, service *ledger.Service, stripeCli *stripe.Client) {
	db = database
	logger = log
	metrics = bursarMetrics
	svc = service
	stripeClient = stripeCli
}

func countLedgerOp(operation, outcome string) {
	if metrics != nil && metrics.LedgerOperations != nil {
		metrics.LedgerOperations.WithLabelValues(operation, outcome).Inc()
	}
}

func observeKafkaMessage(topic, status string, start time.Time) {
	if metrics == nil {
		return
	}
	if metrics.KafkaMessages != nil {
		metrics.KafkaMessages.WithLabelValues(topic, "consume", status).Inc()
	}
	if metrics.KafkaDuration != nil {
		metrics.KafkaDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())
	}
}
