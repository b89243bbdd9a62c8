package collab

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"workspace-collab/backend/internal/ot"
)

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

func fastOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKafkaDispatcher_PublishesEvent(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventOpApplied || evt.DocID != "ws:doc" || evt.Version != 3 {
			return errors.New("unexpected event")
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(2), fastOptions(), zerolog.Nop())
	applied := Applied{
		DocumentID: "ws:doc",
		Commit: Commit{
			ID:      "op-1",
			Op:      ot.TextOperation{Operations: []ot.Operation{ot.Insert(0, "x")}, BaseVersion: 2, Author: "alice"},
			Version: 3,
		},
	}
	evt := NewDocOpEvent("ws", "conn-1", applied)
	require.Equal(t, "alice", evt.AuthorID)
	require.Equal(t, 2, evt.BaseVersion)

	require.True(t, d.TryEnqueue(evt))
	d.Close()
	require.NoError(t, producer.Close())

	sent, dropped := d.Stats()
	require.Equal(t, int64(1), sent)
	require.Equal(t, int64(0), dropped)
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-ops", nil, fastOptions(), zerolog.Nop())
	require.True(t, d.TryEnqueue(DocOpEvent{DocID: "d", Version: 1}))
	d.Close()
	require.NoError(t, producer.Close())

	sent, dropped := d.Stats()
	require.Equal(t, int64(1), sent)
	require.Equal(t, int64(0), dropped)
}

func TestKafkaDispatcher_DropsAfterMaxRetry(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "doc-ops", nil, fastOptions(), zerolog.Nop())
	require.True(t, d.TryEnqueue(DocOpEvent{DocID: "d", Version: 1}))
	d.Close()
	require.NoError(t, producer.Close())

	_, dropped := d.Stats()
	require.Equal(t, int64(1), dropped)
}

func TestKafkaDispatcher_TryEnqueueDropsWhenFull(t *testing.T) {
	// 不启动 worker，队列不会被消费
	d := &KafkaDispatcher{queue: make(chan DocOpEvent, 1), log: zerolog.Nop()}

	require.True(t, d.TryEnqueue(DocOpEvent{DocID: "d", Version: 1}))
	require.False(t, d.TryEnqueue(DocOpEvent{DocID: "d", Version: 2}))
	_, dropped := d.Stats()
	require.Equal(t, int64(1), dropped)
}

func TestKafkaDispatcher_ClosedRejectsEvents(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, fastOptions(), zerolog.Nop())
	d.Close()
	d.Close()

	require.False(t, d.TryEnqueue(DocOpEvent{DocID: "d"}))
	require.ErrorIs(t, d.Enqueue(t.Context(), DocOpEvent{DocID: "d"}), ErrDispatcherClosed)
}
