package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/models"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }

func (s *fakeSession) MemberID() string { return "member-1" }

func (s *fakeSession) GenerationID() int32 { return 1 }

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) Commit() {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) Marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "scans" }

func (c *fakeClaim) Partition() int32 { return 0 }

func (c *fakeClaim) InitialOffset() int64 { return 0 }

func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func jobChecker(want func(models.ScanJob) error) mocks.ValueChecker {
	return func(val []byte) error {
		var j models.ScanJob
		if err := json.Unmarshal(val, &j); err != nil {
			return err
		}
		return want(j)
	}
}

func TestKafkaEnqueueProducesJob(t *testing.T) {
	sp := mocks.NewSyncProducer(t, producerConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(jobChecker(func(j models.ScanJob) error {
		if j.RequestID != "r1" || j.Attempt != 0 {
			return fmt.Errorf("unexpected job %+v", j)
		}
		return nil
	}))

	k := newKafka(sp, nil, "scans")
	require.NoError(t, k.Enqueue(context.Background(), job("r1"), time.Now()))
	require.NoError(t, k.Close())
}

func TestKafkaClaimMarksOnlyAfterSettle(t *testing.T) {
	sp := mocks.NewSyncProducer(t, producerConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(jobChecker(func(j models.ScanJob) error {
		if j.Attempt != 1 {
			return fmt.Errorf("retry should carry attempt 1, got %d", j.Attempt)
		}
		return nil
	}))
	k := newKafka(sp, nil, "scans")
	defer k.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}

	payload, _ := json.Marshal(job("r1"))
	claim.ch <- &sarama.ConsumerMessage{Topic: "scans", Offset: 0, Value: []byte("{not json")}
	claim.ch <- &sarama.ConsumerMessage{Topic: "scans", Offset: 1, Value: payload}
	close(claim.ch)

	done := make(chan error, 1)
	go func() { done <- (&claimHandler{k: k}).ConsumeClaim(sess, claim) }()

	d := dequeueSoon(t, k)
	assert.Equal(t, "r1", d.Job.RequestID)
	assert.Equal(t, []int64{0}, sess.Marked())

	require.NoError(t, k.Retry(context.Background(), d, time.Now()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ConsumeClaim did not finish")
	}
	assert.Equal(t, []int64{0, 1}, sess.Marked())
}

func TestNotBeforeHeader(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte("other"), Value: []byte("x")},
		{Key: []byte(notBeforeHeader), Value: []byte(strconv.FormatInt(at.UnixMilli(), 10))},
	}}
	assert.True(t, notBefore(msg).Equal(at))
	assert.True(t, notBefore(&sarama.ConsumerMessage{}).IsZero())
}
