package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("kafka dispatcher closed")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（Submit 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocOpEvent

	// sem 限制并发的 SendMessage 数量。
	kafkatSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	log zerolog.Logger
	wg  sync.WaitGroup
	// mu 保护 queue 的关闭：入队持读锁，Close 持写锁
	mu      sync.RWMutex
	closed  bool
	sent    atomic.Int64
	dropped atomic.Int64
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultKafkaDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   1024,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkatSem *SemaphoreControl, opt KafkaDispatcherOptions, logger zerolog.Logger) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocOpEvent, opt.QueueSize),
		kafkatSem:   kafkatSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		log:         logger.With().Str("component", "kafka").Str("topic", topic).Logger(),
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误 （kafka不要求强一致性，不是每个事件都必须送达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		d.dropped.Add(1)
		return ctx.Err()
	}
}

// TryEnqueue 不等待；队列满时丢弃事件。
// 在文档锁内调用，不能阻塞提交流程。
func (d *KafkaDispatcher) TryEnqueue(evt DocOpEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("doc", evt.DocID).Int("version", evt.Version).Msg("kafka queue full, drop event")
		return false
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止入队并等待 worker 把队列里剩余的事件发完
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats 返回 (已发送, 已丢弃)
func (d *KafkaDispatcher) Stats() (sent, dropped int64) {
	return d.sent.Load(), d.dropped.Load()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkatSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkatSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkatSem != nil {
			_ = d.kafkatSem.Release()
		}

		if err == nil {
			d.sent.Add(1)
			return
		}

		if attempt == d.maxRetry {
			d.dropped.Add(1)
			d.log.Error().Err(err).
				Str("doc", evt.DocID).
				Str("op", evt.OperationID).
				Int("version", evt.Version).
				Int("worker", workerID).
				Msg("kafka send failed, drop event")
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
