package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"collab-engine/backend/internal/ot"
)

const EventOpApplied = "OP_APPLIED"

// OpEvent is exported for downstream consumers (history, analytics) after an
// operation has been appended to a room log.
type OpEvent struct {
	EventType   string       `json:"eventType"`
	RoomID      string       `json:"roomId"`
	OperationID string       `json:"operationId"`
	Version     uint64       `json:"version"`
	UserID      string       `json:"userId"`
	ClientID    string       `json:"clientId,omitempty"`
	BaseVersion uint64       `json:"baseVersion"`
	Operation   ot.Operation `json:"operation"`
	AppliedAt   time.Time    `json:"appliedAt"`
}

// Journal receives applied operations. Delivery is best effort and must not
// hold up the submit path.
type Journal interface {
	Enqueue(ctx context.Context, evt OpEvent) error
}

var ErrJournalClosed = errors.New("journal closed")

// KafkaJournal keeps a bounded local queue drained by a few workers that
// send to Kafka with capped exponential backoff. When the queue is full,
// Enqueue waits until ctx is done and the event is dropped.
type KafkaJournal struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queue chan OpEvent
	sem   *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type KafkaJournalOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxInFlight bounds concurrent SendMessage calls; 0 means one per worker.
	MaxInFlight int
}

func NewKafkaJournal(producer sarama.SyncProducer, topic string, logger *slog.Logger, opt KafkaJournalOptions) *KafkaJournal {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &KafkaJournal{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan OpEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	if opt.MaxInFlight > 0 {
		j.sem = NewSemaphoreControl(opt.MaxInFlight)
	}
	j.start()
	return j
}

func (j *KafkaJournal) Enqueue(ctx context.Context, evt OpEvent) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrJournalClosed
	}
	select {
	case j.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (j *KafkaJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
	return nil
}

func (j *KafkaJournal) start() {
	for i := 0; i < j.workers; i++ {
		j.wg.Add(1)
		go j.workerLoop(i)
	}
}

func (j *KafkaJournal) workerLoop(workerID int) {
	defer j.wg.Done()
	for evt := range j.queue {
		j.sendWithRetry(workerID, evt)
	}
}

func (j *KafkaJournal) sendWithRetry(workerID int, evt OpEvent) {
	for attempt := 0; attempt <= j.maxRetry; attempt++ {
		if j.sem != nil {
			_ = j.sem.Acquire(context.Background())
		}
		err := j.sendOnce(evt)
		if j.sem != nil {
			_ = j.sem.Release()
		}
		if err == nil {
			return
		}

		if attempt == j.maxRetry {
			j.logger.Warn("journal_send_dropped",
				"room", evt.RoomID, "op", evt.OperationID, "version", evt.Version,
				"worker", workerID, "err", err)
			return
		}

		backoff := j.baseBackoff * time.Duration(1<<attempt)
		if backoff > j.maxBackoff {
			backoff = j.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (j *KafkaJournal) sendOnce(evt OpEvent) error {
	if j.producer == nil || j.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: j.topic,
		Key:   sarama.StringEncoder(evt.RoomID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = j.producer.SendMessage(msg)
	return err
}

// NewSyncProducer builds a producer for the journal. Retries happen in the
// journal workers, not inside sarama.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}
