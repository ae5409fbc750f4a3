package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/store"
)

const (
	DefaultTopic = "minichat-messages"

	writeTimeout = 3 * time.Second
	dialTimeout  = 10 * time.Second
)

// IJournal receives every appended message, in append order per room.
type IJournal interface {
	Record(ctx context.Context, room int64, m *store.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Entry is the kafka message value.
type Entry struct {
	Room    int64          `json:"room"`
	Message *store.Message `json:"message"`
}

type nop struct{}

func (nop) Record(context.Context, int64, *store.Message) error { return nil }
func (nop) Close() error                                        { return nil }

// Nop discards everything.
func Nop() IJournal {
	return nop{}
}

// KafkaJournal writes entries to a kafka topic keyed by room id, so that one room
// always lands in one partition and keeps its order.
type KafkaJournal struct {
	writer   IKafkaWriter
	maxBytes int
}

func NewKafkaJournal(brokers []string, topic string, maxBytes int) *KafkaJournal {
	return newKafkaJournal(kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   dialTimeout,
			DualStack: true,
		},
	}), maxBytes)
}

func newKafkaJournal(w IKafkaWriter, maxBytes int) *KafkaJournal {
	return &KafkaJournal{writer: w, maxBytes: maxBytes}
}

func (j *KafkaJournal) Record(ctx context.Context, room int64, m *store.Message) error {
	value, err := json.Marshal(&Entry{Room: room, Message: m})
	if err != nil {
		return fmt.Errorf("error marshal journal entry: %v", err)
	}
	if j.maxBytes > 0 && len(value) > j.maxBytes {
		return fmt.Errorf("journal entry exceeds max limit: %d bytes", j.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(strconv.FormatInt(room, 10)),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := j.writer.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %v", err)
	}
	glog.V(7).Infof("journal: room %d seq %d written", room, m.Seq)
	return nil
}

func (j *KafkaJournal) Close() error {
	return j.writer.Close()
}

// Decode parses a kafka message value written by KafkaJournal.
func Decode(value []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, err
	}
	if e.Message == nil {
		return nil, fmt.Errorf("journal entry without message")
	}
	return &e, nil
}
