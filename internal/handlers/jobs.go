package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/internal/ledger"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/config"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/kafka"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/logging"
	"github.com/Odiabackend099/Callwaiting-AI-Voxanne-2026-sub003/pkg/models"
)

// JobManager handles background billing jobs: the reservation expiry sweeper
// and the call settlement consumer.
type JobManager struct {
	db              *sql.DB
	logger          logging.Logger
	svc             *ledger.Service
	kafkaConsumer   *kafka.Consumer
	stopCh          chan struct{}
	settlementTopic string
	sweepInterval   time.Duration
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, service *ledger.Service) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-settlements")
	settlementTopic := config.GetEnv("SETTLEMENT_KAFKA_TOPIC", "billing.call_settlements")
	sweepInterval := time.Duration(config.GetEnvInt("RESERVATION_SWEEP_INTERVAL_SECONDS", 600)) * time.Second
	kLogger := logrus.New() // Adapt logger

	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, kLogger)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for settlements")
		// Don't fatal here, allow API to start without consumer if needed
	}

	return &JobManager{
		db:              database,
		logger:          log,
		svc:             service,
		kafkaConsumer:   consumer,
		stopCh:          make(chan struct{}),
		settlementTopic: settlementTopic,
		sweepInterval:   sweepInterval,
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting billing job manager")

	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(jm.settlementTopic, jm.handleCallSettlement)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.runReservationSweep(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping billing job manager")
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.Close()
	}
	close(jm.stopCh)
}

// KafkaClient returns the settlement consumer's broker client, or nil when
// the consumer could not be created. Used to wire the Kafka health check.
func (jm *JobManager) KafkaClient() *kgo.Client {
	if jm.kafkaConsumer == nil {
		return nil
	}
	return jm.kafkaConsumer.GetClient()
}

// handleCallSettlement consumes call settlement events from Kafka and
// commits the session's reservation at the actual accrued cost. Transient
// failures return an error so the partition retries; a settlement for a
// session with no live reservation is logged and skipped, since redelivery
// can never fix it.
func (jm *JobManager) handleCallSettlement(ctx context.Context, msg kafka.Message) error {
	start := time.Now()

	var event models.CallSettlementEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		jm.logger.WithError(err).Error("Failed to unmarshal call settlement from Kafka")
		observeKafkaMessage(msg.Topic, "skipped", start)
		return nil // Skip bad message
	}
	if event.OrgID == "" || event.SessionID == "" {
		jm.logger.WithField("session_id", event.SessionID).Error("Dropping settlement event with missing identifiers")
		observeKafkaMessage(msg.Topic, "skipped", start)
		return nil
	}

	result, err := jm.svc.Commit(ctx, event.OrgID, event.SessionID, event.ActualCents)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidArgument) {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"org_id":     event.OrgID,
				"session_id": event.SessionID,
			}).Error("Dropping unsettleable call settlement")
			observeKafkaMessage(msg.Topic, "skipped", start)
			return nil
		}
		jm.logger.WithError(err).WithFields(logging.Fields{
			"org_id":     event.OrgID,
			"session_id": event.SessionID,
		}).Error("Failed to commit call settlement from Kafka")
		observeKafkaMessage(msg.Topic, "error", start)
		return err
	}

	if result.Clamped {
		countLedgerOp("settlement", "clamped")
	}
	observeKafkaMessage(msg.Topic, "ok", start)
	jm.logger.WithFields(logging.Fields{
		"org_id":        event.OrgID,
		"session_id":    event.SessionID,
		"charged_cents": result.ChargedCents,
		"duplicate":     result.Duplicate,
	}).Debug("Processed call settlement from Kafka")

	return nil
}

// runReservationSweep expires stale session holds on a fixed interval.
func (jm *JobManager) runReservationSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting reservation sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepExpiredReservations(ctx)
		}
	}
}

func (jm *JobManager) sweepExpiredReservations(ctx context.Context) {
	expired, err := jm.svc.ExpireReservations(ctx)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to sweep expired reservations")
		return
	}
	if expired > 0 && metrics != nil && metrics.ExpiredHolds != nil {
		metrics.ExpiredHolds.Add(float64(expired))
	}
}
