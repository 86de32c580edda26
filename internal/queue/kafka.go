package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/models"
)

const (
	notBeforeHeader = "not-before"
	reasonHeader    = "failure-reason"
)

// Kafka is a queue over a Kafka topic. Retries are re-produced with a
// not-before header; the consumer holds a message until that time. Offsets
// are marked only after the worker settles the delivery, so a crash mid-scan
// redelivers the job.
type Kafka struct {
	producer  sarama.SyncProducer
	group     sarama.ConsumerGroup
	topic     string
	deadTopic string

	deliveries chan Delivery
	closed     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	now        func() time.Time
}

type kafkaReceipt struct {
	once sync.Once
	done chan struct{}
}

func (r *kafkaReceipt) settle() { r.once.Do(func() { close(r.done) }) }

// NewKafka connects a producer and a consumer group to cfg.Brokers.
func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka queue needs at least one broker")
	}
	sc := sarama.NewConfig()
	sc.ClientID = "covscan"
	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = 20 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, sc)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return newKafka(producer, group, cfg.Topic), nil
}

// newKafka wires an existing producer and group. group may be nil for a
// produce-only queue.
func newKafka(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic string) *Kafka {
	if topic == "" {
		topic = "covscan.scans"
	}
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kafka{
		producer:   producer,
		group:      group,
		topic:      topic,
		deadTopic:  topic + ".dead",
		deliveries: make(chan Delivery),
		closed:     make(chan struct{}),
		cancel:     cancel,
		now:        time.Now,
	}
	if group != nil {
		k.wg.Add(1)
		go k.consumeLoop(ctx)
	}
	return k
}

func (k *Kafka) consumeLoop(ctx context.Context) {
	defer k.wg.Done()
	h := &claimHandler{k: k}
	for {
		if err := k.group.Consume(ctx, []string{k.topic}, h); err != nil {
			slog.Error("queue: kafka consumer group error", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (k *Kafka) produce(topic string, job models.ScanJob, availableAt time.Time, extra ...sarama.RecordHeader) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(job.RequestID),
		Value: sarama.ByteEncoder(payload),
		Headers: append([]sarama.RecordHeader{{
			Key:   []byte(notBeforeHeader),
			Value: []byte(strconv.FormatInt(availableAt.UnixMilli(), 10)),
		}}, extra...),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending to kafka topic %s: %w", topic, err)
	}
	slog.Debug("queue: produced job",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"request_id", job.RequestID,
		"attempt", job.Attempt,
	)
	return nil
}

func (k *Kafka) Enqueue(ctx context.Context, job models.ScanJob, availableAt time.Time) error {
	return k.produce(k.topic, job, availableAt)
}

func (k *Kafka) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case d := <-k.deliveries:
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-k.closed:
		return Delivery{}, ErrClosed
	}
}

func (k *Kafka) settle(d Delivery) error {
	r, ok := d.receipt.(*kafkaReceipt)
	if !ok {
		return ErrLeaseLost
	}
	r.settle()
	return nil
}

func (k *Kafka) Ack(ctx context.Context, d Delivery) error {
	return k.settle(d)
}

// Retry produces the next attempt before releasing the original message. A
// produce failure still releases it; the error is returned for logging.
func (k *Kafka) Retry(ctx context.Context, d Delivery, availableAt time.Time) error {
	err := k.produce(k.topic, d.Job.NextAttempt(), availableAt)
	if serr := k.settle(d); serr != nil {
		return serr
	}
	return err
}

// Fail moves the job to the dead-letter topic.
func (k *Kafka) Fail(ctx context.Context, d Delivery, reason string) error {
	err := k.produce(k.deadTopic, d.Job, k.now(), sarama.RecordHeader{
		Key: []byte(reasonHeader), Value: []byte(reason),
	})
	if serr := k.settle(d); serr != nil {
		return serr
	}
	return err
}

func (k *Kafka) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.closed)
		k.cancel()
		k.wg.Wait()
		if k.group != nil {
			err = k.group.Close()
		}
		if perr := k.producer.Close(); perr != nil && err == nil {
			err = perr
		}
	})
	return err
}

// claimHandler implements sarama.ConsumerGroupHandler, handing each message
// to a worker and marking it once settled.
type claimHandler struct {
	k *Kafka
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	slog.Info("queue: kafka session setup", "generation_id", sess.GenerationID(), "member_id", sess.MemberID())
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	slog.Info("queue: kafka session cleanup", "generation_id", sess.GenerationID(), "member_id", sess.MemberID())
	return nil
}

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		var job models.ScanJob
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			slog.Error("queue: dropping undecodable kafka message",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			sess.MarkMessage(msg, "")
			continue
		}

		if wait := notBefore(msg).Sub(h.k.now()); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
		}

		r := &kafkaReceipt{done: make(chan struct{})}
		d := Delivery{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Job:     job,
			receipt: r,
		}
		select {
		case h.k.deliveries <- d:
		case <-ctx.Done():
			return nil
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			// Rebalance mid-scan: leave the offset unmarked for redelivery.
			return nil
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func notBefore(msg *sarama.ConsumerMessage) time.Time {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == notBeforeHeader {
			if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				return time.UnixMilli(ms)
			}
		}
	}
	return time.Time{}
}
