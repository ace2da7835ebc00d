package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_roster_messages_total",
		Help: "Total driver roster messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_roster_invalid_total",
		Help: "Total invalid roster messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_updates_total",
		Help: "Total successful driver store updates",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total driver store errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-roster"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "dispatch-roster-consumer"
	}

	var drivers storage.DriverStore
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		pg, err := storage.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("postgres open error: %v", err)
		}
		drivers = pg
	} else {
		drivers = storage.NewMemoryStore()
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("roster consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil {
			msgsInvalid.Inc()
			log.Printf("invalid roster message: %v", err)
			continue
		}
		if d.ID == "" {
			msgsInvalid.Inc()
			log.Printf("roster message missing driver id")
			continue
		}

		if err := upsertWithRetry(ctx, drivers, d, 3, 200*time.Millisecond); err != nil {
			storeErrors.Inc()
			log.Printf("driver store update failed for driver=%s: %v", d.ID, err)
			continue
		}
		storeUpdates.Inc()
	}
}

// upsertWithRetry writes one roster update with retry and small backoff.
func upsertWithRetry(ctx context.Context, drivers storage.DriverStore, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = drivers.UpsertDriver(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
