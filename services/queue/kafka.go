package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/upb/audit-pipeline/internal/observability"
	"go.uber.org/zap"
)

const (
	headerRetryAt  = "retry-at"
	headerTaskType = "task_type"
	headerTenantID = "tenant_id"

	produceTimeout = 5 * time.Second
)

// KafkaConfig holds broker settings for KafkaQueue
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// DLQPayload captures enough context to replay or inspect a dead-lettered task
type DLQPayload struct {
	Topic       string    `json:"topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Timestamp   time.Time `json:"timestamp"`
	KeyBase64   string    `json:"key_base64,omitempty"`
	ValueBase64 string    `json:"value_base64"`
	Task        Task      `json:"task"`
	Error       string    `json:"error"`
	Consumer    string    `json:"consumer"`
}

type topicPartition struct {
	topic     string
	partition int32
}

type heldRecord struct {
	record *kgo.Record
	task   Task
	due    time.Time
	// deadCause is set when the record is waiting to be dead-lettered
	deadCause string
}

// kafkaClient is the subset of *kgo.Client the queue uses
type kafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Ping(ctx context.Context) error
	Close()
}

// KafkaQueue is a Queue backed by a Kafka topic.
//
// Records are committed only once every lower offset on the same partition has
// been acked or nacked, so a crash redelivers anything unresolved. A nacked task
// is re-produced with a retry-at header; consumers hold such records locally
// until they are due. Broker calls never run under mu.
type KafkaQueue struct {
	client   kafkaClient
	cfg      Config
	kcfg     KafkaConfig
	dlqTopic string
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu       sync.Mutex
	held     []heldRecord
	inflight map[Handle]heldRecord
	trackers map[topicPartition]*offsetTracker
	dead     int64
	closed   bool

	commitMu  sync.Mutex
	committed map[topicPartition]int64
}

// NewKafkaQueue creates a Kafka-backed queue consuming and producing on kcfg.Topic
func NewKafkaQueue(kcfg KafkaConfig, cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*KafkaQueue, error) {
	if kcfg.ClientID == "" {
		kcfg.ClientID = "audit-indexer"
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(kcfg.Brokers...),
		kgo.ClientID(kcfg.ClientID),
		kgo.ConsumerGroup(kcfg.GroupID),
		kgo.ConsumeTopics(kcfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(5 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return newKafkaQueue(client, kcfg, cfg, logger, metrics), nil
}

func newKafkaQueue(client kafkaClient, kcfg KafkaConfig, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *KafkaQueue {
	return &KafkaQueue{
		client:    client,
		cfg:       cfg.withDefaults(),
		kcfg:      kcfg,
		dlqTopic:  kcfg.Topic + ".dlq",
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		inflight:  make(map[Handle]heldRecord),
		trackers:  make(map[topicPartition]*offsetTracker),
		committed: make(map[topicPartition]int64),
	}
}

// Enqueue produces the task keyed by tenant id
func (q *KafkaQueue) Enqueue(ctx context.Context, task Task) error {
	if task.Type == "" {
		task.Type = TaskTypeIndexEvent
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}

	record, err := encodeTaskRecord(q.kcfg.Topic, task, time.Time{})
	if err != nil {
		return err
	}
	return q.produce(ctx, record)
}

// Dequeue returns due held records first, then polls the broker for up to PollWait
func (q *KafkaQueue) Dequeue(ctx context.Context, batchSize int) ([]Delivery, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	deliveries, dead := q.takeDueLocked(q.now(), batchSize)
	q.mu.Unlock()

	q.deadLetterAll(ctx, dead)
	if len(deliveries) > 0 {
		return deliveries, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, q.cfg.PollWait)
	defer cancel()

	fetches := q.client.PollRecords(pollCtx, batchSize)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		q.logger.Error("kafka fetch error",
			zap.String("topic", fe.Topic),
			zap.Int32("partition", fe.Partition),
			zap.Error(fe.Err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := q.now()
	q.mu.Lock()
	fetches.EachRecord(func(record *kgo.Record) {
		q.trackerFor(record).add(record)

		task, retryAt, err := decodeTaskRecord(record)
		if err != nil {
			q.logger.Error("undecodable indexing task, dead-lettering",
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			q.held = append(q.held, heldRecord{record: record, due: now, deadCause: err.Error()})
			return
		}
		q.held = append(q.held, heldRecord{record: record, task: task, due: retryAt})
	})
	deliveries, dead = q.takeDueLocked(now, batchSize)
	q.mu.Unlock()

	q.deadLetterAll(ctx, dead)
	return deliveries, nil
}

// Ack resolves the delivery's offset
func (q *KafkaQueue) Ack(ctx context.Context, handle Handle) error {
	q.mu.Lock()
	held, ok := q.inflight[handle]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(q.inflight, handle)
	commit := q.resolveLocked(held.record)
	q.mu.Unlock()

	q.commit(ctx, commit)
	return nil
}

// Nack re-produces the task with attempts+1 and a retry-at header, or dead-letters it.
// When the broker cannot take the record the task is held locally and retried, so
// its offset stays unresolved and it is never lost.
func (q *KafkaQueue) Nack(ctx context.Context, handle Handle, cause error) error {
	q.mu.Lock()
	held, ok := q.inflight[handle]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(q.inflight, handle)
	q.mu.Unlock()

	task := held.task
	task.Attempts++
	task.LastError = causeString(cause)
	held.task = task

	if q.cfg.Exhausted(task.Attempts) {
		held.deadCause = task.LastError
		q.deadLetterAll(ctx, []heldRecord{held})
		return nil
	}

	delay := q.cfg.Backoff(task.Attempts)
	retryAt := q.now().Add(delay)

	record, err := encodeTaskRecord(q.kcfg.Topic, task, retryAt)
	if err == nil {
		err = q.produce(ctx, record)
	}
	if err != nil {
		q.logger.Warn("failed to re-produce indexing task, holding locally",
			zap.String("event_id", task.EventID.String()),
			zap.Error(err))
		held.due = retryAt
		q.hold(held)
		return nil
	}

	q.logger.Warn("indexing task scheduled for retry",
		zap.String("event_id", task.EventID.String()),
		zap.Int("attempts", task.Attempts),
		zap.Duration("delay", delay),
		zap.String("error", task.LastError))

	q.mu.Lock()
	commit := q.resolveLocked(held.record)
	q.mu.Unlock()

	q.commit(ctx, commit)
	return nil
}

// Stats reports locally held and in-flight records
func (q *KafkaQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Driver:       "kafka",
		Delayed:      len(q.held),
		InFlight:     len(q.inflight),
		DeadLettered: q.dead,
	}
}

// HealthCheck pings the brokers
func (q *KafkaQueue) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := q.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying client. Unresolved offsets stay uncommitted.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.client.Close()
	return nil
}

// takeDueLocked moves up to n due held records in flight and removes every due
// record that is waiting for the dead-letter topic. Caller holds mu.
func (q *KafkaQueue) takeDueLocked(now time.Time, n int) ([]Delivery, []heldRecord) {
	var deliveries []Delivery
	var dead []heldRecord
	remaining := q.held[:0]
	for _, h := range q.held {
		switch {
		case h.due.After(now):
			remaining = append(remaining, h)
		case h.deadCause != "":
			dead = append(dead, h)
		case len(deliveries) < n:
			handle := Handle(fmt.Sprintf("%s/%d/%d/%d", h.record.Topic, h.record.Partition, h.record.Offset, h.task.Attempts))
			q.inflight[handle] = h
			deliveries = append(deliveries, Delivery{Task: h.task, Handle: handle})
		default:
			remaining = append(remaining, h)
		}
	}
	q.held = remaining
	return deliveries, dead
}

func (q *KafkaQueue) hold(h heldRecord) {
	q.mu.Lock()
	q.held = append(q.held, h)
	q.mu.Unlock()
}

// deadLetterAll produces a DLQ payload for each record and resolves its offset.
// A record the broker refuses goes back on hold and is retried after a backoff.
func (q *KafkaQueue) deadLetterAll(ctx context.Context, records []heldRecord) {
	for _, h := range records {
		if err := q.deadLetter(ctx, h); err != nil {
			h.due = q.now().Add(q.cfg.Backoff(h.task.Attempts))
			q.logger.Error("failed to produce dead letter, holding locally",
				zap.String("event_id", h.task.EventID.String()),
				zap.Time("retry_at", h.due),
				zap.Error(err))
			q.hold(h)
		}
	}
}

func (q *KafkaQueue) deadLetter(ctx context.Context, held heldRecord) error {
	payload, err := encodeDLQPayload(held.record, held.task, held.deadCause, q.kcfg.GroupID)
	if err != nil {
		return err
	}

	if err := q.produce(ctx, &kgo.Record{Topic: q.dlqTopic, Key: held.record.Key, Value: payload}); err != nil {
		return err
	}

	q.mu.Lock()
	q.dead++
	commit := q.resolveLocked(held.record)
	q.mu.Unlock()

	q.metrics.IncDeadLettered()
	q.logger.Error("indexing task dead-lettered",
		zap.String("event_id", held.task.EventID.String()),
		zap.String("tenant_id", held.task.TenantID),
		zap.Int("attempts", held.task.Attempts),
		zap.String("error", held.deadCause))

	q.commit(ctx, commit)
	return nil
}

// resolveLocked marks record done and returns the contiguous watermark to commit, if any. Caller holds mu.
func (q *KafkaQueue) resolveLocked(record *kgo.Record) *kgo.Record {
	return q.trackerFor(record).resolve(record.Offset)
}

// commit writes record's offset unless a higher one on the same partition is already committed
func (q *KafkaQueue) commit(ctx context.Context, record *kgo.Record) {
	if record == nil {
		return
	}

	q.commitMu.Lock()
	defer q.commitMu.Unlock()

	tp := topicPartition{topic: record.Topic, partition: record.Partition}
	if last, ok := q.committed[tp]; ok && record.Offset <= last {
		return
	}
	if err := q.client.CommitRecords(ctx, record); err != nil {
		q.logger.Error("failed to commit records", zap.Error(err))
		return
	}
	q.committed[tp] = record.Offset
}

func (q *KafkaQueue) trackerFor(record *kgo.Record) *offsetTracker {
	tp := topicPartition{topic: record.Topic, partition: record.Partition}
	t, ok := q.trackers[tp]
	if !ok {
		t = &offsetTracker{}
		q.trackers[tp] = t
	}
	return t
}

func (q *KafkaQueue) produce(ctx context.Context, record *kgo.Record) error {
	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	if err := q.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// offsetTracker records the offsets handed out on one partition in order and
// reports the highest record below which every offset is resolved.
type offsetTracker struct {
	entries []trackedOffset
}

type trackedOffset struct {
	record   *kgo.Record
	resolved bool
}

func (t *offsetTracker) add(record *kgo.Record) {
	t.entries = append(t.entries, trackedOffset{record: record})
}

// resolve marks offset done and returns the record to commit, or nil when a lower offset is still open
func (t *offsetTracker) resolve(offset int64) *kgo.Record {
	for i := range t.entries {
		if t.entries[i].record.Offset == offset {
			t.entries[i].resolved = true
			break
		}
	}

	var commit *kgo.Record
	n := 0
	for n < len(t.entries) && t.entries[n].resolved {
		commit = t.entries[n].record
		n++
	}
	t.entries = t.entries[n:]
	return commit
}

func (t *offsetTracker) pending() int {
	return len(t.entries)
}

func encodeTaskRecord(topic string, task Task, retryAt time.Time) (*kgo.Record, error) {
	value, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(task.TenantID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerTaskType, Value: []byte(task.Type)},
			{Key: headerTenantID, Value: []byte(task.TenantID)},
		},
	}
	if !retryAt.IsZero() {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   headerRetryAt,
			Value: []byte(strconv.FormatInt(retryAt.UnixMilli(), 10)),
		})
	}
	return record, nil
}

func decodeTaskRecord(record *kgo.Record) (Task, time.Time, error) {
	var task Task
	if err := json.Unmarshal(record.Value, &task); err != nil {
		return Task{}, time.Time{}, fmt.Errorf("failed to unmarshal task: %w", err)
	}

	var retryAt time.Time
	for _, h := range record.Headers {
		if h.Key != headerRetryAt {
			continue
		}
		ms, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			return Task{}, time.Time{}, fmt.Errorf("invalid %s header: %w", headerRetryAt, err)
		}
		retryAt = time.UnixMilli(ms)
	}
	return task, retryAt, nil
}

func encodeDLQPayload(record *kgo.Record, task Task, cause, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       record.Topic,
		Partition:   record.Partition,
		Offset:      record.Offset,
		Timestamp:   record.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(record.Value),
		Task:        task,
		Error:       cause,
		Consumer:    consumer,
	}
	if len(record.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(record.Key)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", err)
	}
	return b, nil
}
