// Package ingest scores transactions consumed from Kafka and publishes the
// results back to Kafka.
//
// Messages are routed to a fixed worker by hash(accountId), so all
// transactions of one account are scored in arrival order by the same
// goroutine while different accounts proceed in parallel.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/fraudgate/internal/fraud"
	"github.com/mbd888/fraudgate/internal/logging"
	"github.com/mbd888/fraudgate/internal/metrics"
	"github.com/mbd888/fraudgate/internal/retry"
	"github.com/mbd888/fraudgate/internal/syncutil"
)

// Message results, used as metric labels.
const (
	resultOK           = "ok"
	resultInvalid      = "invalid"
	resultPublishError = "publish_error"
	resultPanic        = "panic"
)

const defaultQueueSize = 64

var (
	publishPolicy = retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
	commitPolicy  = retry.Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
	fetchPolicy   = retry.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the consumer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Checker scores a transaction. *fraud.Service satisfies it.
type Checker interface {
	Check(ctx context.Context, tx *fraud.Transaction, source string) *fraud.Result
}

// Config configures the consumer.
type Config struct {
	Brokers           []string
	GroupID           string
	TransactionsTopic string
	ResultsTopic      string
	DLQTopic          string // optional
	Workers           int
	QueueSize         int // per worker
}

// ResultMessage is the payload published to the results topic.
type ResultMessage struct {
	*fraud.Result
	AccountID string `json:"accountId"`
}

type job struct {
	msg kafka.Message
	tx  *fraud.Transaction
}

// Consumer reads transactions, scores them and publishes the results.
type Consumer struct {
	cfg     Config
	reader  MessageReader
	results MessageWriter
	dlq     MessageWriter
	checker Checker
	logger  *slog.Logger

	queues  []chan job
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a consumer backed by kafka-go readers and writers.
func New(cfg Config, checker Checker, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: brokers are required")
	}
	if cfg.TransactionsTopic == "" || cfg.ResultsTopic == "" {
		return nil, errors.New("ingest: transactions and results topics are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.TransactionsTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	results := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ResultsTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  publishPolicy.Attempts,
		BatchTimeout: 10 * time.Millisecond,
	}
	var dlq MessageWriter
	if cfg.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return NewWithClients(cfg, reader, results, dlq, checker, logger), nil
}

// NewWithClients creates a consumer over the given reader and writers. dlq
// may be nil.
func NewWithClients(cfg Config, reader MessageReader, results, dlq MessageWriter, checker Checker, logger *slog.Logger) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consumer{
		cfg:     cfg,
		reader:  reader,
		results: results,
		dlq:     dlq,
		checker: checker,
		logger:  logger.With("component", "ingest", "topic", cfg.TransactionsTopic),
	}
}

// Running reports whether the consume loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is cancelled, then drains the worker queues and
// returns. Call in a goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	c.queues = make([]chan job, c.cfg.Workers)
	for i := range c.queues {
		c.queues[i] = make(chan job, c.cfg.QueueSize)
		c.wg.Add(1)
		go c.worker(c.queues[i])
	}
	c.logger.Info("kafka consumer started", "workers", c.cfg.Workers)

	err := c.fetchLoop(ctx)

	for _, q := range c.queues {
		close(q)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return err
}

func (c *Consumer) fetchLoop(ctx context.Context) error {
	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			failures++
			c.logger.Error("failed to fetch message", "error", err, "consecutive_failures", failures)
			t := time.NewTimer(fetchPolicy.Delay(failures))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		failures = 0

		tx, reason := decode(msg.Value)
		if tx == nil {
			c.reject(ctx, msg, reason)
			continue
		}

		q := c.queues[syncutil.ShardIndex(tx.AccountID, len(c.queues))]
		select {
		case q <- job{msg: msg, tx: tx}:
		case <-ctx.Done():
			return nil
		}
	}
}

// decode parses and validates a transaction message. On failure it returns
// nil and the reason.
func decode(value []byte) (*fraud.Transaction, string) {
	var req fraud.CheckRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return nil, fmt.Sprintf("malformed json: %v", err)
	}
	if errs := req.Validate(); errs != nil {
		return nil, errs.Error()
	}
	return req.Transaction(), ""
}

func (c *Consumer) worker(queue <-chan job) {
	defer c.wg.Done()
	for j := range queue {
		c.handle(j)
	}
}

func (c *Consumer) handle(j job) {
	start := time.Now()
	topic := c.cfg.TransactionsTopic
	defer func() {
		metrics.KafkaProcessingDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}()
	defer func() {
		if r := recover(); r != nil {
			metrics.KafkaMessagesTotal.WithLabelValues(topic, resultPanic).Inc()
			c.logger.Error("panic handling message",
				"panic", fmt.Sprint(r), "partition", j.msg.Partition, "offset", j.msg.Offset)
		}
	}()

	// Workers finish in-flight messages after shutdown starts.
	ctx := logging.WithLogger(context.Background(), c.logger)
	result := c.checker.Check(ctx, j.tx, fraud.SourceKafka)

	payload, err := json.Marshal(ResultMessage{Result: result, AccountID: j.tx.AccountID})
	if err != nil {
		c.logger.Error("failed to encode result", "transaction_id", j.tx.ID, "error", err)
		metrics.KafkaMessagesTotal.WithLabelValues(topic, resultPublishError).Inc()
		return
	}
	out := kafka.Message{
		Key:   []byte(j.tx.AccountID),
		Value: payload,
		Time:  time.UnixMilli(result.Timestamp),
	}
	if err := c.writeWithRetry(ctx, c.results, out); err != nil {
		// Not committed, so the transaction is redelivered after a restart.
		c.logger.Error("failed to publish result", "transaction_id", j.tx.ID, "error", err)
		metrics.KafkaMessagesTotal.WithLabelValues(topic, resultPublishError).Inc()
		return
	}

	metrics.KafkaMessagesTotal.WithLabelValues(topic, resultOK).Inc()
	c.commit(ctx, j.msg)
}

// reject routes an unusable message to the DLQ when one is configured, and
// commits it either way so it cannot block the partition.
func (c *Consumer) reject(ctx context.Context, msg kafka.Message, reason string) {
	metrics.KafkaMessagesTotal.WithLabelValues(c.cfg.TransactionsTopic, resultInvalid).Inc()
	c.logger.Warn("rejected message",
		"partition", msg.Partition, "offset", msg.Offset, "reason", reason)

	if c.dlq != nil {
		dead := kafka.Message{
			Key:   msg.Key,
			Value: msg.Value,
			Time:  time.Now(),
			Headers: []kafka.Header{
				{Key: "source_topic", Value: []byte(msg.Topic)},
				{Key: "error", Value: []byte(reason)},
			},
		}
		if err := c.writeWithRetry(ctx, c.dlq, dead); err != nil {
			c.logger.Error("failed to write to DLQ", "topic", c.cfg.DLQTopic, "error", err)
		}
	}
	c.commit(ctx, msg)
}

func (c *Consumer) writeWithRetry(ctx context.Context, w MessageWriter, msg kafka.Message) error {
	return retry.Do(ctx, publishPolicy, func(ctx context.Context) error {
		return w.WriteMessages(ctx, msg)
	})
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	// Commit even when shutting down: the result is already published.
	err := retry.Do(context.WithoutCancel(ctx), commitPolicy, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, msg)
	})
	if err != nil {
		c.logger.Error("failed to commit offset",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

// Close releases the reader and writers. Call after Run returns.
func (c *Consumer) Close() error {
	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	if err := c.results.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close results writer: %w", err))
	}
	if c.dlq != nil {
		if err := c.dlq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dlq writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
