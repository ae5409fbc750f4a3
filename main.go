package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/journal"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	storeMemory = "memory"
	storeBolt   = "bolt"
	storeMysql  = "mysql"
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat.pid", "pid file")

	flagStore    = flag.String("store", storeMemory, "room store: memory, bolt or mysql")
	flagBoltPath = flag.String("bolt-path", "minichat.db", "bolt store: database file")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql store: server dsn")

	flagPollInterval       = flag.Duration("poll-interval", chat.DefaultPollInterval, "client poll interval")
	flagPresenceMultiplier = flag.Int("presence-multiplier", chat.DefaultPresenceMultiplier, "a user is present within this many poll intervals since the last poll")
	flagPresenceSweep      = flag.Duration("presence-sweep", 0, "interval to delete stale presence entries, 0 to disable")
	flagTimeFormat         = flag.String("time-format", chat.DefaultTimeFormat, "Go time layout of message times")
	flagMaxMessageBytes    = flag.Int("max-message-bytes", ws.DefaultMaxMessageBytes, "max message size after sanitizing")

	flagTokenSecret = flag.String("token-secret", "", "room token HMAC secret")
	flagTokenTTL    = flag.Duration("token-ttl", 12*time.Hour, "room token lifetime")
	flagAdminUids   = flag.String("admin-uids", "", "comma separated uids that may open or close rooms")

	flagKafkaBrokers = flag.String("kafka-brokers", "", "comma separated kafka brokers of the message journal, empty to disable")
	flagKafkaTopic   = flag.String("kafka-topic", journal.DefaultTopic, "message journal topic")

	flagMaxConns       = flag.Int("max-conns", 0, "max simultaneous connections, 0 for no limit")
	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomStore, err := openStore(ctx)
	if err != nil {
		return errorf("open %s store: %v", *flagStore, err)
	}
	defer roomStore.Close()

	var jnl journal.IJournal = journal.Nop()
	if *flagKafkaBrokers != "" {
		jnl = journal.NewKafkaJournal(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic, *flagMaxMessageBytes*2)
	}
	defer jnl.Close()

	admins, _ := parseUids(*flagAdminUids)
	authClient := newAuthClient(admins)

	var reg prometheus.Registerer
	if !*flagDisableMetrics {
		reg = prometheus.DefaultRegisterer
	}

	svc := chat.NewService(&chat.ServiceCfg{
		Store:              roomStore,
		Directory:          authClient,
		Journal:            jnl,
		Metrics:            chat.NewMetrics(reg),
		PollInterval:       *flagPollInterval,
		PresenceMultiplier: *flagPresenceMultiplier,
		TimeFormat:         *flagTimeFormat,
	})

	api := ws.NewApi(svc, authClient, auth.NewTokens([]byte(*flagTokenSecret), *flagTokenTTL), ws.ApiConf{
		MaxMessageBytes: *flagMaxMessageBytes,
	})
	hub := ws.NewHub(api, authClient, 0)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	api.Register(mux)
	mux.Handle("/ws", hub)

	ln, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s: %v", *flagAddr, err)
	}
	if *flagMaxConns > 0 {
		ln = netutil.LimitListener(ln, *flagMaxConns)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Every background loop reports to stopNotifyChan once on exit.
	stopNotifyChan := make(chan struct{}, 3)
	loops := 1
	go hub.Run(ctx, stopNotifyChan)
	if *flagPresenceSweep > 0 {
		loops++
		go svc.RunSweeper(ctx, *flagPresenceSweep, stopNotifyChan)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("http server error: %v", err)
		}
	}()

	glog.Infof("minichat server is listening on %s, store: %s", *flagAddr, *flagStore)
	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("minichat server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s` stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}

				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := srv.Shutdown(shutdownCtx); err != nil {
					glog.Errorf("http server shutdown error: %v", err)
				}
				shutdownCancel()

				cancel()
				for i := 0; i < loops; i++ {
					<-stopNotifyChan
				}
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("minichat server exited")
	return 0
}

func openStore(ctx context.Context) (store.IRoomStore, error) {
	switch *flagStore {
	case storeBolt:
		return store.NewBoltStore(*flagBoltPath)
	case storeMysql:
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		s := store.NewMySQLStore(db)
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func newAuthClient(admins []int32) auth.Client {
	// TODO: hook into production auth API.
	return auth.NewMockClient(admins)
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStore {
	case storeMemory:
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case storeMysql:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("invalid --store `%s`, expect one of: %s, %s, %s", *flagStore, storeMemory, storeBolt, storeMysql)
	}

	if *flagPollInterval < 100*time.Millisecond {
		return errorf("--poll-interval MUST be at least 100ms")
	}
	if *flagPresenceMultiplier < 1 {
		return errorf("--presence-multiplier is required positive integer")
	}
	if *flagPresenceSweep < 0 {
		return errorf("--presence-sweep MUST NOT be negative")
	}
	if *flagTimeFormat == "" {
		return errorf("--time-format is required")
	}
	if *flagMaxMessageBytes <= 0 {
		return errorf("--max-message-bytes is required positive integer")
	}

	if len(*flagTokenSecret) < 16 {
		return errorf("--token-secret is required, at least 16 bytes")
	}
	if *flagTokenTTL <= 0 {
		return errorf("--token-ttl is required positive duration")
	}
	if _, err := parseUids(*flagAdminUids); err != nil {
		return errorf("--admin-uids: %v", err)
	}

	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required")
	}
	if *flagMaxConns < 0 {
		return errorf("--max-conns MUST NOT be negative")
	}

	return 0
}

func parseUids(s string) ([]int32, error) {
	var out []int32
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		uid, err := strconv.ParseInt(v, 10, 32)
		if err != nil || uid <= 0 {
			return nil, fmt.Errorf("invalid uid `%s`", v)
		}
		out = append(out, int32(uid))
	}
	return out, nil
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
