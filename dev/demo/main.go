package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/journal"
)

// The demo tails the message journal that minichat writes to kafka and prints every
// message, optionally of one room only.

// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-messages --create

var (
	kafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "kafka brokers, ',' delimitted.")
	kafkaTopic   = flag.String("kafka-topic", journal.DefaultTopic, "journal topic")
	groupId      = flag.String("group-id", "minichat-demo", "kafka consumer group")
	room         = flag.Int64("room", 0, "print this room only, 0 for all")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if len(*kafkaBrokers) == 0 {
		panic("--kafka-brokers is required.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tailer := journal.NewTailer(strings.Split(*kafkaBrokers, ","), *kafkaTopic, *groupId,
		func(ctx context.Context, e *journal.Entry) error {
			if *room > 0 && e.Room != *room {
				return nil
			}
			m := e.Message
			fmt.Fprintf(os.Stdout, "[%d #%d] %s uid=%d: %s\n",
				e.Room, m.Seq, m.PostedAt.Local().Format(time.Kitchen), m.Uid, m.Text)
			return nil
		})
	tailer.Run(ctx)
}
