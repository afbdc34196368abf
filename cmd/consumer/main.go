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
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rideboard/internal/models"
)

// The consumer materializes the ride event stream into per-ride audit trails
// in Redis, so the full transition sequence of any ride can be replayed even
// though the ride record itself only holds the latest state.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_consumed_total",
		Help: "Total ride events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_invalid_total",
		Help: "Total invalid events received",
	})
	auditWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_writes_total",
		Help: "Total audit trail entries written",
	})
	auditErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_audit_errors_total",
		Help: "Total audit trail write errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, auditWrites, auditErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{"localhost:9092"}
	if brokersEnv != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "ride-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "rideboard-audit"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	trail := &redisTrail{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("audit consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

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
		backoff = time.Second

		msgsConsumed.Inc()

		var e models.RideEvent
		if err := json.Unmarshal(m.Value, &e); err != nil || e.RideID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := appendWithRetry(ctx, trail, &e, m.Value, 3, 200*time.Millisecond); err != nil {
			auditErrors.Inc()
			log.Printf("audit write failed for ride=%s: %v", e.RideID, err)
			continue
		}
		auditWrites.Inc()
	}
}

// TrailAppender is the small subset of redis operations we need for tests
// and production.
type TrailAppender interface {
	Append(ctx context.Context, key string, value []byte) error
}

type redisTrail struct{ c *redis.Client }

func (r *redisTrail) Append(ctx context.Context, key string, value []byte) error {
	return r.c.RPush(ctx, key, value).Err()
}

// appendWithRetry appends the raw event to the ride's audit trail with
// retry/backoff.
func appendWithRetry(ctx context.Context, t TrailAppender, e *models.RideEvent, raw []byte, attempts int, delay time.Duration) error {
	key := "audit:" + e.RideID
	for i := 0; i < attempts; i++ {
		if err := t.Append(ctx, key, raw); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
