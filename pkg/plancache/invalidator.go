package plancache

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/sagadb/sage/internal/repositories/schema"
	"github.com/sagadb/sage/pkg/tracing"
)

// SchemaChangeEvent announces a structural change to a table. Any cached
// plans built against the table are dropped when one arrives.
type SchemaChangeEvent struct {
	TableSchema string `json:"table_schema"`
	TableName   string `json:"table_name"`
}

// InvalidatorConfig holds Kafka consumer configuration for the invalidator.
type InvalidatorConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Invalidator consumes schema change events and invalidates the plan cache.
type Invalidator struct {
	reader *kafka.Reader
	cache  *Cache
	logger ectologger.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewInvalidator(cfg InvalidatorConfig, cache *Cache, logger ectologger.Logger) *Invalidator {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Invalidator{
		reader: reader,
		cache:  cache,
		logger: logger,
	}
}

// Start begins consuming schema change events.
func (inv *Invalidator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	inv.cancel = cancel

	inv.wg.Add(1)
	go inv.consumeLoop(ctx)

	inv.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": inv.reader.Config().Topic,
	}).Info("Plan cache invalidator started")
	return nil
}

// Stop gracefully stops the invalidator.
func (inv *Invalidator) Stop() error {
	if inv.cancel != nil {
		inv.cancel()
	}
	inv.wg.Wait()
	return inv.reader.Close()
}

func (inv *Invalidator) consumeLoop(ctx context.Context) {
	defer inv.wg.Done()

	for {
		select {
		case <-ctx.Done():
			inv.logger.WithContext(ctx).Info("Invalidator loop stopping")
			return
		default:
			msg, err := inv.reader.FetchMessage(ctx)
			if err != nil {
				if err == context.Canceled || err == io.EOF {
					return
				}
				inv.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			inv.processMessage(ctx, msg)
		}
	}
}

func (inv *Invalidator) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "plancache.Invalidator.processMessage")
	defer span.End()

	log := inv.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var event SchemaChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.WithError(err).Error("Failed to parse schema change event")
		// Still commit to avoid getting stuck
		if err := inv.reader.CommitMessages(ctx, msg); err != nil {
			log.WithError(err).Error("Failed to commit message")
		}
		return
	}

	if event.TableName != "" {
		if event.TableSchema == "" {
			event.TableSchema = "public"
		}
		table := schema.Qualify(event.TableSchema, event.TableName)
		inv.cache.InvalidateTable(ctx, table)
		log.WithFields(map[string]any{"table": table}).Info("Invalidated cached plans after schema change")
	}

	if err := inv.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}
