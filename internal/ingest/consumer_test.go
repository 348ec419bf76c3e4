package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudgate/internal/fraud"
	"github.com/mbd888/fraudgate/internal/metrics"
	"github.com/mbd888/fraudgate/internal/retry"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{msgs: make(chan kafka.Message, 100)}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int // fail this many writes first
	fail     bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker unavailable")
	}
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]kafka.Message, len(w.msgs))
	copy(out, w.msgs)
	return out
}

var testConfig = Config{
	TransactionsTopic: "transactions",
	ResultsTopic:      "fraud-results",
	DLQTopic:          "transactions-dlq",
	Workers:           4,
}

func txMessage(t *testing.T, offset int64, id, account string, amount float64) kafka.Message {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":               id,
		"accountId":        account,
		"cardNumber":       "4111111111111111",
		"amount":           amount,
		"currency":         "USD",
		"merchantId":       "merchant-1",
		"merchantCategory": "retail",
		"timestamp":        time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: "transactions", Offset: offset, Key: []byte(account), Value: body}
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func messagesCounted(t *testing.T, topic, result string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.KafkaMessagesTotal.WithLabelValues(topic, result).Write(m))
	return m.GetCounter().GetValue()
}

func newService() *fraud.Service {
	return fraud.NewService(fraud.NewEngine(), fraud.NewMemoryStore(), nil)
}

func TestConsumer_ScoresAndPublishes(t *testing.T) {
	reader := newFakeReader()
	results := &fakeWriter{}
	svc := newService()
	c := NewWithClients(testConfig, reader, results, &fakeWriter{}, svc, nil)
	stop := runConsumer(t, c)

	for i := 0; i < 10; i++ {
		account := fmt.Sprintf("acct-%d", i%3)
		reader.msgs <- txMessage(t, int64(i), fmt.Sprintf("tx_%d", i), account, 42)
	}

	require.Eventually(t, func() bool { return reader.commitCount() == 10 }, 5*time.Second, 10*time.Millisecond)
	stop()

	out := results.messages()
	require.Len(t, out, 10)
	for _, m := range out {
		var res struct {
			TransactionID string `json:"transactionId"`
			AccountID     string `json:"accountId"`
			Decision      string `json:"decision"`
			FraudScore    float64
		}
		require.NoError(t, json.Unmarshal(m.Value, &res))
		assert.Equal(t, string(m.Key), res.AccountID, "results are keyed by account")
		assert.Equal(t, "APPROVE", res.Decision)
	}

	stored, err := svc.Get(context.Background(), "tx_7")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", stored.AccountID)
}

func TestConsumer_PreservesPerAccountOrder(t *testing.T) {
	reader := newFakeReader()
	results := &fakeWriter{}
	c := NewWithClients(testConfig, reader, results, nil, newService(), nil)
	stop := runConsumer(t, c)

	for i := 0; i < 6; i++ {
		reader.msgs <- txMessage(t, int64(i), fmt.Sprintf("tx_%d", i), "acct-burst", 10)
		reader.msgs <- txMessage(t, int64(100+i), fmt.Sprintf("other_%d", i), fmt.Sprintf("acct-%d", i), 10)
	}

	require.Eventually(t, func() bool { return reader.commitCount() == 12 }, 5*time.Second, 10*time.Millisecond)
	stop()

	var burst []fraud.Result
	for _, m := range results.messages() {
		if string(m.Key) != "acct-burst" {
			continue
		}
		var r fraud.Result
		require.NoError(t, json.Unmarshal(m.Value, &r))
		burst = append(burst, r)
	}
	require.Len(t, burst, 6)
	for i, r := range burst {
		assert.Equal(t, fmt.Sprintf("tx_%d", i), r.TransactionID, "same-account results must stay in order")
		assert.Equal(t, i == 5, r.HasSignal(fraud.SignalHighVelocity))
	}
}

func TestConsumer_InvalidMessagesGoToDLQ(t *testing.T) {
	reader := newFakeReader()
	results := &fakeWriter{}
	dlq := &fakeWriter{}
	c := NewWithClients(testConfig, reader, results, dlq, newService(), nil)
	stop := runConsumer(t, c)

	reader.msgs <- kafka.Message{Topic: "transactions", Offset: 1, Value: []byte("{not json")}
	missing := txMessage(t, 2, "tx_bad", "", 10)
	reader.msgs <- missing

	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Empty(t, results.messages())
	dead := dlq.messages()
	require.Len(t, dead, 2)
	assert.Equal(t, []byte("{not json"), dead[0].Value)

	headers := map[string]string{}
	for _, h := range dead[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "transactions", headers["source_topic"])
	assert.Contains(t, headers["error"], "accountId")
}

func TestConsumer_InvalidWithoutDLQIsCommitted(t *testing.T) {
	reader := newFakeReader()
	c := NewWithClients(testConfig, reader, &fakeWriter{}, nil, newService(), nil)
	stop := runConsumer(t, c)

	reader.msgs <- kafka.Message{Topic: "transactions", Offset: 1, Value: []byte("garbage")}
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()
}

func TestConsumer_RetriesPublish(t *testing.T) {
	reader := newFakeReader()
	results := &fakeWriter{failures: 2}
	c := NewWithClients(testConfig, reader, results, nil, newService(), nil)
	stop := runConsumer(t, c)

	reader.msgs <- txMessage(t, 1, "tx_retry", "acct-1", 10)
	require.Eventually(t, func() bool { return reader.commitCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Len(t, results.messages(), 1)
}

func TestConsumer_PublishFailureIsNotCommitted(t *testing.T) {
	reader := newFakeReader()
	results := &fakeWriter{fail: true}
	svc := newService()
	c := NewWithClients(testConfig, reader, results, nil, svc, nil)
	before := messagesCounted(t, testConfig.TransactionsTopic, resultPublishError)
	stop := runConsumer(t, c)

	reader.msgs <- txMessage(t, 1, "tx_lost", "acct-1", 10)
	require.Eventually(t, func() bool {
		_, err := svc.Get(context.Background(), "tx_lost")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	// Give the worker time to exhaust its publish attempts.
	time.Sleep(500 * time.Millisecond)
	stop()

	assert.Equal(t, 0, reader.commitCount())
	assert.Equal(t, before+1, messagesCounted(t, testConfig.TransactionsTopic, resultPublishError))
	assert.Zero(t, messagesCounted(t, testConfig.ResultsTopic, resultPublishError))
}

func TestConsumer_Close(t *testing.T) {
	reader := newFakeReader()
	c := NewWithClients(testConfig, reader, &fakeWriter{}, &fakeWriter{}, newService(), nil)
	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestNew_RequiresBrokersAndTopics(t *testing.T) {
	_, err := New(Config{TransactionsTopic: "t", ResultsTopic: "r"}, newService(), nil)
	assert.Error(t, err)

	_, err = New(Config{Brokers: []string{"localhost:9092"}}, newService(), nil)
	assert.Error(t, err)
}

func TestRetryPoliciesAreBounded(t *testing.T) {
	for _, p := range []retry.Policy{publishPolicy, commitPolicy, fetchPolicy} {
		for attempt := 1; attempt <= 10; attempt++ {
			d := p.Delay(attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}
