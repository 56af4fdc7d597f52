package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/queue"
	"github.com/mikey/llm-mail-triage/internal/adapters/store"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
)

// StoreFactory creates the job store and the job queue
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateJobStore creates the backend selected by store.backend
func (f *StoreFactory) CreateJobStore() (core.JobStore, error) {
	storeCfg := f.cfg.GetStore()

	switch storeCfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		if err := ensureDir(storeCfg.SQLitePath); err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(storeCfg.SQLitePath, f.logger)
	case "mysql":
		return store.NewMySQLStore(storeCfg.MySQLDSN, f.logger)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", storeCfg.Backend)
	}
}

// CreateJobQueue creates the queue selected by queue.backend
func (f *StoreFactory) CreateJobQueue() (core.JobQueue, error) {
	queueCfg := f.cfg.GetQueue()

	switch queueCfg.Backend {
	case "memory":
		return queue.NewMemoryQueue(), nil
	case "kafka":
		return queue.NewKafkaQueue(queue.KafkaConfig{
			Brokers: queueCfg.Kafka.Brokers,
			Topic:   queueCfg.Kafka.Topic,
			GroupID: queueCfg.Kafka.GroupID,
		}, f.logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", queueCfg.Backend)
	}
}
