package journal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mock_journal "github.com/mqy/minichat/journal/mock"
	"github.com/mqy/minichat/store"
)

func TestTailerRun(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	reader := mock_journal.NewMockIKafkaReader(mockCtrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := json.Marshal(&Entry{Room: 42, Message: &store.Message{Seq: 1, Uid: 7, Text: "hi"}})
	require.NoError(t, err)
	good := kafka.Message{Offset: 1, Key: []byte("42"), Value: value}
	bad := kafka.Message{Offset: 2, Key: []byte("42"), Value: []byte("not json")}

	gomock.InOrder(
		reader.EXPECT().FetchMessage(ctx).Return(good, nil),
		reader.EXPECT().CommitMessages(ctx, good).Return(nil),
		reader.EXPECT().FetchMessage(ctx).Return(bad, nil),
		reader.EXPECT().CommitMessages(ctx, bad).Return(nil),
		reader.EXPECT().FetchMessage(ctx).DoAndReturn(func(context.Context) (kafka.Message, error) {
			cancel()
			return kafka.Message{}, ctx.Err()
		}),
		reader.EXPECT().Close().Return(nil),
	)

	var got []*Entry
	tailer := newTailer(reader, func(ctx context.Context, e *Entry) error {
		got = append(got, e)
		return nil
	})

	done := make(chan struct{})
	go func() {
		tailer.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not exit")
	}

	require.Len(t, got, 1)
	assert.EqualValues(t, 42, got[0].Room)
	assert.Equal(t, "hi", got[0].Message.Text)
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)

	d = BackoffMaxInterval
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)
}
