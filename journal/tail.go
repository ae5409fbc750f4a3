package journal

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

//go:generate mockgen -destination=mock/kafka.go -package=mock_journal github.com/mqy/minichat/journal IKafkaReader

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Tailer consumes journal entries in a consumer group. Each entry is committed after
// the handler returns nil, so an entry may be handled again after a restart.
type Tailer struct {
	reader  IKafkaReader
	handler func(ctx context.Context, e *Entry) error
}

func NewTailer(brokers []string, topic, groupId string, handler func(ctx context.Context, e *Entry) error) *Tailer {
	return newTailer(kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupId,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   dialTimeout,
			DualStack: true,
		},
	}), handler)
}

func newTailer(r IKafkaReader, handler func(ctx context.Context, e *Entry) error) *Tailer {
	return &Tailer{reader: r, handler: handler}
}

// Run consumes until ctx is done, then closes the reader.
func (t *Tailer) Run(ctx context.Context) {
	glog.Info("tailer: consume loop enter")
	defer func() {
		_ = t.reader.Close()
		glog.Info("tailer: consume loop exited")
	}()

	var sleep time.Duration
	for {
		msg, err := t.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			glog.Errorf("tailer: fetch from kafka err: %v", err)
			if !wait(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// Undecodable entries are skipped and committed.
		if e, err := Decode(msg.Value); err != nil {
			glog.Errorf("tailer: bad entry at offset %d: %v", msg.Offset, err)
		} else {
			for {
				err := t.handler(ctx, e)
				if err == nil {
					break
				}
				glog.Errorf("tailer: handle room %d seq %d err: %v", e.Room, e.Message.Seq, err)
				if !wait(ctx, &sleep) {
					return
				}
			}
		}

		for {
			err := t.reader.CommitMessages(ctx, msg)
			if err == nil {
				sleep = 0
				break
			}
			// Uncommitted entries are fetched again.
			glog.Errorf("tailer: commit to kafka err: %v", err)
			if !wait(ctx, &sleep) {
				return
			}
		}
	}
}

// wait sleeps for the next backoff interval. It returns false if ctx is done first.
func wait(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}
