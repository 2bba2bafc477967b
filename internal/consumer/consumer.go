// Package consumer ingests action messages from Kafka and hands each one to
// the orchestration handler. Connection loss is retried a bounded number of
// times with increasing backoff; exhausting the attempts is fatal.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/retry"
	"github.com/lei/ci-relay/pkg/logger"
)

// Handler processes one decoded action message. Handler errors mark the
// message as failed but never stop the consumer.
type Handler func(ctx context.Context, msg models.ActionMessage) error

// Config holds consumer connection settings
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxConnectAttempts bounds initial connect and reconnect tries
	MaxConnectAttempts int

	// ReconnectBaseDelay is multiplied by the attempt number between tries
	ReconnectBaseDelay time.Duration
}

// Consumer runs the poll loop
type Consumer struct {
	cfg     Config
	handler Handler
	logger  *logger.Logger

	mu     sync.Mutex
	client *kgo.Client

	// runs in flight; drained on Close so shutdown does not abandon them
	wg sync.WaitGroup
}

// New creates a consumer. Defaults: 5 connect attempts, 2s base delay.
func New(cfg Config, handler Handler, log *logger.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = 5
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}

	return &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  log,
	}, nil
}

// Run consumes until ctx is canceled or the reconnect budget is exhausted.
// In-flight message handlers are waited for before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.wg.Wait()

	attempt := 0
	for {
		client, err := c.connect()
		if err != nil {
			attempt++
			c.logger.Error("consumer: connect failed",
				"attempt", attempt,
				"max_attempts", c.cfg.MaxConnectAttempts,
				"error", err)

			if attempt >= c.cfg.MaxConnectAttempts {
				return fmt.Errorf("consumer: giving up after %d connect attempts: %w",
					c.cfg.MaxConnectAttempts, err)
			}

			// Increasing backoff: attempt number times the base delay
			delay := time.Duration(attempt) * c.cfg.ReconnectBaseDelay
			if err := retry.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		err = c.poll(ctx, client)
		client.Close()

		if ctx.Err() != nil {
			c.logger.Info("consumer: stopped")
			return nil
		}
		c.logger.Warn("consumer: connection lost, reconnecting", "error", err)
	}
}

func (c *Consumer) connect() (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.cfg.Brokers...),
		kgo.ConsumerGroup(c.cfg.GroupID),
		kgo.ConsumeTopics(c.cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	return client, nil
}

// poll fetches records until ctx ends or the client reports a fatal error
func (c *Consumer) poll(ctx context.Context, client *kgo.Client) error {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fetchErr := range errs {
				c.logger.Warn("consumer: fetch error",
					"topic", fetchErr.Topic,
					"partition", fetchErr.Partition,
					"error", fetchErr.Err)
			}
			// A partition-level error is transient; a broken client is not
			for _, fetchErr := range errs {
				if fetchErr.Topic == "" {
					return fetchErr.Err
				}
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.dispatch(ctx, record)
		})
	}
}

// dispatch decodes one record and runs the handler in its own goroutine so
// long-running orchestrations do not stall consumption. The handler gets a
// context detached from the poll loop's: shutdown stops acceptance of new
// messages, but runs already in flight finish on their own terms and are
// waited for in Run.
func (c *Consumer) dispatch(ctx context.Context, record *kgo.Record) {
	msg, err := Decode(record.Value)
	if err != nil {
		c.logger.Warn("consumer: skipping malformed message",
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err)
		return
	}

	c.logger.Info("consumer: action message received",
		"run_id", msg.Context.RunID,
		"action", msg.Action.Identifier,
		"offset", record.Offset)

	runCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.handler(runCtx, msg); err != nil {
			c.logger.Error("consumer: message handling failed",
				"run_id", msg.Context.RunID,
				"action", msg.Action.Identifier,
				"error", err)
		}
	}()
}

// Close shuts the underlying client down, unblocking Run
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// Decode parses an action message, tolerating unknown extra fields
func Decode(payload []byte) (models.ActionMessage, error) {
	var msg models.ActionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.ActionMessage{}, fmt.Errorf("decode action message: %w", err)
	}
	if msg.Context.RunID == "" {
		return models.ActionMessage{}, fmt.Errorf("action message missing runId")
	}
	if msg.Properties == nil {
		msg.Properties = make(map[string]any)
	}
	return msg, nil
}
