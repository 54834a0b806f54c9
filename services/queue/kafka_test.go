package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/upb/audit-pipeline/internal/observability"
	"go.uber.org/zap"
)

func rec(offset int64) *kgo.Record {
	return &kgo.Record{Topic: "audit-index-tasks", Partition: 0, Offset: offset}
}

func TestOffsetTracker_CommitsContiguousOnly(t *testing.T) {
	tr := &offsetTracker{}
	r10, r11, r12 := rec(10), rec(11), rec(12)
	tr.add(r10)
	tr.add(r11)
	tr.add(r12)

	// 11 done while 10 is still open: nothing can be committed
	assert.Nil(t, tr.resolve(11))
	assert.Equal(t, 3, tr.pending())

	// 10 done: 10 and 11 are both resolved, commit up to 11
	assert.Same(t, r11, tr.resolve(10))
	assert.Equal(t, 1, tr.pending())

	assert.Same(t, r12, tr.resolve(12))
	assert.Equal(t, 0, tr.pending())
}

func TestOffsetTracker_UnknownOffset(t *testing.T) {
	tr := &offsetTracker{}
	tr.add(rec(1))

	assert.Nil(t, tr.resolve(99))
	assert.Equal(t, 1, tr.pending())
}

func TestTaskRecord_RoundTrip(t *testing.T) {
	task := newTask("tenant-a")
	task.Attempts = 2

	t.Run("without retry-at", func(t *testing.T) {
		record, err := encodeTaskRecord("audit-index-tasks", task, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []byte("tenant-a"), record.Key)

		got, retryAt, err := decodeTaskRecord(record)
		require.NoError(t, err)
		assert.Equal(t, task.EventID, got.EventID)
		assert.Equal(t, 2, got.Attempts)
		assert.True(t, retryAt.IsZero())
	})

	t.Run("with retry-at", func(t *testing.T) {
		due := time.Now().Add(time.Minute).Truncate(time.Millisecond)
		record, err := encodeTaskRecord("audit-index-tasks", task, due)
		require.NoError(t, err)

		_, retryAt, err := decodeTaskRecord(record)
		require.NoError(t, err)
		assert.True(t, retryAt.Equal(due))
	})
}

func TestDecodeTaskRecord_Invalid(t *testing.T) {
	_, _, err := decodeTaskRecord(&kgo.Record{Value: []byte("{not json")})
	assert.Error(t, err)

	_, _, err = decodeTaskRecord(&kgo.Record{
		Value:   []byte(`{"task_type":"INDEX_EVENT"}`),
		Headers: []kgo.RecordHeader{{Key: headerRetryAt, Value: []byte("soon")}},
	})
	assert.Error(t, err)
}

func TestEncodeDLQPayload(t *testing.T) {
	task := newTask("tenant-a")
	task.Attempts = 5
	record := &kgo.Record{
		Topic:     "audit-index-tasks",
		Partition: 2,
		Offset:    77,
		Key:       []byte("tenant-a"),
		Value:     []byte(`{"x":1}`),
	}

	data, err := encodeDLQPayload(record, task, "search unavailable", "audit-indexer")
	require.NoError(t, err)

	var payload DLQPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, int32(2), payload.Partition)
	assert.Equal(t, int64(77), payload.Offset)
	assert.Equal(t, "search unavailable", payload.Error)
	assert.Equal(t, "audit-indexer", payload.Consumer)
	assert.Equal(t, 5, payload.Task.Attempts)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("tenant-a")), payload.KeyBase64)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(`{"x":1}`)), payload.ValueBase64)
}

func TestKafkaQueue_TakeDueLocked(t *testing.T) {
	q := &KafkaQueue{
		now:      time.Now,
		inflight: make(map[Handle]heldRecord),
		trackers: make(map[topicPartition]*offsetTracker),
	}
	now := time.Now()
	q.held = []heldRecord{
		{record: rec(1), task: newTask("a")},
		{record: rec(2), task: newTask("a"), due: now.Add(time.Hour)},
		{record: rec(3), task: newTask("a")},
	}

	deliveries, dead := q.takeDueLocked(now, 10)
	require.Len(t, deliveries, 2)
	assert.Empty(t, dead)
	assert.Len(t, q.held, 1)
	assert.Equal(t, int64(2), q.held[0].record.Offset)
	assert.Len(t, q.inflight, 2)
	assert.NotEqual(t, deliveries[0].Handle, deliveries[1].Handle)
}

func TestKafkaQueue_TakeDueLocked_SeparatesDeadLetters(t *testing.T) {
	q := &KafkaQueue{
		now:      time.Now,
		inflight: make(map[Handle]heldRecord),
		trackers: make(map[topicPartition]*offsetTracker),
	}
	now := time.Now()
	q.held = []heldRecord{
		{record: rec(1), deadCause: "boom"},
		{record: rec(2), deadCause: "later", due: now.Add(time.Hour)},
		{record: rec(3), task: newTask("a")},
	}

	deliveries, dead := q.takeDueLocked(now, 10)
	require.Len(t, deliveries, 1)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(1), dead[0].record.Offset)
	require.Len(t, q.held, 1)
	assert.Equal(t, int64(2), q.held[0].record.Offset)
}

// fakeBroker is an in-process stand-in for the kgo client: one partition per
// topic, offsets assigned on produce, commits recorded in order.
type fakeBroker struct {
	topic string

	mu        sync.Mutex
	topics    map[string][]*kgo.Record
	consumed  int
	committed []int64
	failures  map[string]error
	gateTopic string
	gate      chan struct{}
	parked    chan struct{}
	closed    bool
}

func newFakeBroker(topic string) *fakeBroker {
	return &fakeBroker{
		topic:    topic,
		topics:   make(map[string][]*kgo.Record),
		failures: make(map[string]error),
		parked:   make(chan struct{}, 1),
	}
}

func (b *fakeBroker) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		b.mu.Lock()
		err := b.failures[r.Topic]
		var gate chan struct{}
		if r.Topic == b.gateTopic {
			gate = b.gate
		}
		b.mu.Unlock()

		if gate != nil {
			select {
			case b.parked <- struct{}{}:
			default:
			}
			select {
			case <-gate:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			results = append(results, kgo.ProduceResult{Record: r, Err: err})
			continue
		}

		b.mu.Lock()
		r.Offset = int64(len(b.topics[r.Topic]))
		b.topics[r.Topic] = append(b.topics[r.Topic], r)
		b.mu.Unlock()
		results = append(results, kgo.ProduceResult{Record: r})
	}
	return results
}

func (b *fakeBroker) PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Topic:      b.topic,
			Partitions: []kgo.FetchPartition{{Err: kgo.ErrClientClosed}},
		}}}}
	}
	all := b.topics[b.topic]
	end := b.consumed + maxPollRecords
	if end > len(all) {
		end = len(all)
	}
	batch := all[b.consumed:end]
	b.consumed = end
	b.mu.Unlock()

	if len(batch) == 0 {
		<-ctx.Done()
		return nil
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      b.topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: batch}},
	}}}}
}

func (b *fakeBroker) CommitRecords(ctx context.Context, rs ...*kgo.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range rs {
		b.committed = append(b.committed, r.Offset)
	}
	return nil
}

func (b *fakeBroker) Ping(ctx context.Context) error { return nil }

func (b *fakeBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBroker) records(topic string) []*kgo.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*kgo.Record(nil), b.topics[topic]...)
}

func (b *fakeBroker) commits() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.committed...)
}

func (b *fakeBroker) fail(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, topic)
		return
	}
	b.failures[topic] = err
}

func (b *fakeBroker) holdProduces(topic string) (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gateTopic, b.gate = topic, gate
	b.mu.Unlock()
	return func() { close(gate) }
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testTopic = "audit-index-tasks"

func newTestKafkaQueue(t *testing.T, cfg Config, metrics *observability.Metrics) (*KafkaQueue, *fakeBroker, *manualClock) {
	t.Helper()
	broker := newFakeBroker(testTopic)
	clock := &manualClock{now: time.Now()}

	q := newKafkaQueue(broker, KafkaConfig{Topic: testTopic, GroupID: "audit-indexer"}, cfg, zap.NewNop(), metrics)
	q.now = clock.Now
	t.Cleanup(func() { _ = q.Close() })
	return q, broker, clock
}

func kafkaConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		PollWait:     20 * time.Millisecond,
	}
}

func TestKafkaQueue_EnqueueDequeueAck(t *testing.T) {
	q, broker, _ := newTestKafkaQueue(t, kafkaConfig(5), nil)
	ctx := context.Background()

	task := newTask("tenant-a")
	require.NoError(t, q.Enqueue(ctx, task))

	produced := broker.records(testTopic)
	require.Len(t, produced, 1)
	assert.Equal(t, []byte("tenant-a"), produced[0].Key)

	deliveries, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, task.EventID, deliveries[0].Task.EventID)
	assert.Equal(t, 1, q.Stats().InFlight)

	require.NoError(t, q.Ack(ctx, deliveries[0].Handle))
	assert.Equal(t, []int64{0}, broker.commits())
	assert.Equal(t, 0, q.Stats().InFlight)

	assert.ErrorIs(t, q.Ack(ctx, deliveries[0].Handle), ErrUnknownHandle)
}

func TestKafkaQueue_NackHoldsRetryUntilDue(t *testing.T) {
	q, broker, clock := newTestKafkaQueue(t, kafkaConfig(5), nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("tenant-a")))
	deliveries, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, q.Nack(ctx, deliveries[0].Handle, errors.New("search down")))

	produced := broker.records(testTopic)
	require.Len(t, produced, 2, "retry is re-produced to the same topic")
	retried, retryAt, err := decodeTaskRecord(produced[1])
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Attempts)
	assert.Equal(t, "search down", retried.LastError)
	assert.True(t, retryAt.After(clock.Now()))
	assert.Equal(t, []int64{0}, broker.commits(), "original offset resolved once the retry is durable")

	// the retry is fetched but not yet due
	deliveries, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Equal(t, 1, q.Stats().Delayed)

	clock.Advance(2 * time.Minute)
	deliveries, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 1, deliveries[0].Task.Attempts)
}

func TestKafkaQueue_DeadLettersExhaustedTask(t *testing.T) {
	metrics := observability.NewNopMetrics()
	q, broker, _ := newTestKafkaQueue(t, kafkaConfig(1), metrics)
	ctx := context.Background()

	task := newTask("tenant-a")
	require.NoError(t, q.Enqueue(ctx, task))
	deliveries, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, q.Nack(ctx, deliveries[0].Handle, errors.New("mapping conflict")))

	dlq := broker.records(testTopic + ".dlq")
	require.Len(t, dlq, 1)
	var payload DLQPayload
	require.NoError(t, json.Unmarshal(dlq[0].Value, &payload))
	assert.Equal(t, task.EventID, payload.Task.EventID)
	assert.Equal(t, "mapping conflict", payload.Error)
	assert.Equal(t, "audit-indexer", payload.Consumer)

	assert.Equal(t, int64(1), q.Stats().DeadLettered)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IndexDeadLettered))
	assert.Equal(t, []int64{0}, broker.commits())
}

func TestKafkaQueue_DeadLetterProduceFailureKeepsTask(t *testing.T) {
	q, broker, clock := newTestKafkaQueue(t, kafkaConfig(1), nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("tenant-a")))
	deliveries, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	broker.fail(testTopic+".dlq", errors.New("broker unreachable"))
	require.NoError(t, q.Nack(ctx, deliveries[0].Handle, errors.New("search down")))

	stats := q.Stats()
	assert.Equal(t, 1, stats.Delayed, "task is held locally")
	assert.Equal(t, int64(0), stats.DeadLettered)
	assert.Empty(t, broker.commits(), "offset must stay open")

	// the broker recovers; the held record is dead-lettered once due
	broker.fail(testTopic+".dlq", nil)
	clock.Advance(2 * time.Minute)

	deliveries, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	assert.Len(t, broker.records(testTopic+".dlq"), 1)
	assert.Equal(t, int64(1), q.Stats().DeadLettered)
	assert.Equal(t, 0, q.Stats().Delayed)
	assert.Equal(t, []int64{0}, broker.commits())
}

func TestKafkaQueue_SlowBrokerDoesNotBlockAcks(t *testing.T) {
	q, broker, _ := newTestKafkaQueue(t, kafkaConfig(1), nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newTask("tenant-a")))
	require.NoError(t, q.Enqueue(ctx, newTask("tenant-b")))
	deliveries, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	release := broker.holdProduces(testTopic + ".dlq")
	nacked := make(chan error, 1)
	go func() {
		nacked <- q.Nack(ctx, deliveries[0].Handle, errors.New("boom"))
	}()

	select {
	case <-broker.parked:
	case <-time.After(2 * time.Second):
		t.Fatal("dead-letter produce never started")
	}

	start := time.Now()
	require.NoError(t, q.Ack(ctx, deliveries[1].Handle))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Empty(t, broker.commits(), "offset 0 is still open")

	release()
	require.NoError(t, <-nacked)
	assert.Equal(t, []int64{1}, broker.commits())
}

func TestKafkaQueue_UndecodableRecordIsDeadLettered(t *testing.T) {
	q, broker, _ := newTestKafkaQueue(t, kafkaConfig(5), nil)
	ctx := context.Background()

	broker.ProduceSync(ctx, &kgo.Record{Topic: testTopic, Value: []byte("{not json")})

	deliveries, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	require.Len(t, broker.records(testTopic+".dlq"), 1)
	assert.Equal(t, []int64{0}, broker.commits())
}

func TestKafkaQueue_Closed(t *testing.T) {
	q, _, _ := newTestKafkaQueue(t, kafkaConfig(5), nil)
	require.NoError(t, q.Close())

	_, err := q.Dequeue(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}
