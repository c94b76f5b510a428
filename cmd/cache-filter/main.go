// Command cache-filter runs the rate-limiting cache filter as a standalone
// HTTP service: N request-filter workers sharing one host.SharedStore and
// host.Queue, plus the singleton aggregator's flush pipeline. Configuration
// is viper env-bound, with an optional metrics reporter and graceful
// shutdown on SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/3scale/cache-filter/internal/log"
	"github.com/3scale/cache-filter/pkg/aggregator"
	"github.com/3scale/cache-filter/pkg/cache"
	"github.com/3scale/cache-filter/pkg/codec"
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/filter"
	"github.com/3scale/cache-filter/pkg/host"
	"github.com/3scale/cache-filter/pkg/host/memstore"
	"github.com/3scale/cache-filter/pkg/host/redisstore"
	"github.com/3scale/cache-filter/pkg/metrics"
)

var version string

func init() {
	viper.SetEnvPrefix("threescale")
	viper.BindEnv("log_level")
	viper.BindEnv("listen_addr")
	viper.BindEnv("report_metrics")
	viper.BindEnv("metrics_port")

	viper.BindEnv("backend_url")
	viper.BindEnv("client_timeout_seconds")

	viper.BindEnv("redis_addrs")

	viper.BindEnv("num_workers")
	viper.BindEnv("failure_mode_deny")
	viper.BindEnv("max_tries")
	viper.BindEnv("max_shared_memory_bytes")

	viper.BindEnv("delta_flush_mode")
	viper.BindEnv("delta_capacity")
	viper.BindEnv("delta_periodical_flush_seconds")
	viper.BindEnv("delta_retry_seconds")
	viper.BindEnv("delta_await_queue_capacity")

	if viper.IsSet("log_level") {
		log.Configure(viper.GetString("log_level"))
	}
}

func parseMetricsConfig() *metrics.Reporter {
	if !viper.IsSet("report_metrics") || !viper.GetBool("report_metrics") {
		return nil
	}
	port := 8080
	if viper.IsSet("metrics_port") {
		port = viper.GetInt("metrics_port")
	}
	return metrics.NewReporter(true, port)
}

func parseClientConfig() *http.Client {
	c := &http.Client{Timeout: 10 * time.Second}
	if viper.IsSet("client_timeout_seconds") {
		c.Timeout = time.Duration(viper.GetInt("client_timeout_seconds")) * time.Second
	}
	return c
}

func parseFilterConfig() config.FilterConfig {
	cfg := config.DefaultFilterConfig()
	if viper.IsSet("failure_mode_deny") {
		cfg.FailureModeDeny = viper.GetBool("failure_mode_deny")
	}
	if viper.IsSet("max_tries") {
		cfg.MaxTries = uint32(viper.GetInt("max_tries"))
	}
	if viper.IsSet("max_shared_memory_bytes") {
		cfg.MaxSharedMemoryBytes = uint64(viper.GetInt64("max_shared_memory_bytes"))
	}
	if viper.IsSet("client_timeout_seconds") {
		cfg.CallTimeout = time.Duration(viper.GetInt("client_timeout_seconds")) * time.Second
	}
	return cfg
}

func parseDeltaStoreConfig() config.DeltaStoreConfig {
	cfg := config.DefaultDeltaStoreConfig()
	if viper.IsSet("delta_capacity") {
		cfg.Capacity = uint64(viper.GetInt64("delta_capacity"))
	}
	if viper.IsSet("delta_periodical_flush_seconds") {
		cfg.PeriodicalFlush = time.Duration(viper.GetInt("delta_periodical_flush_seconds")) * time.Second
	}
	if viper.IsSet("delta_retry_seconds") {
		cfg.RetryDuration = time.Duration(viper.GetInt("delta_retry_seconds")) * time.Second
	}
	if viper.IsSet("delta_await_queue_capacity") {
		cfg.AwaitQueueCapacity = uint64(viper.GetInt64("delta_await_queue_capacity"))
	}
	if viper.IsSet("delta_flush_mode") {
		switch strings.ToLower(viper.GetString("delta_flush_mode")) {
		case "containerlimit":
			cfg.FlushMode = config.FlushContainerLimit
		case "periodical":
			cfg.FlushMode = config.FlushPeriodical
		default:
			cfg.FlushMode = config.FlushDefault
		}
	}
	return cfg
}

func buildSharedStore() host.SharedStore {
	if viper.IsSet("redis_addrs") {
		addrs := strings.Split(viper.GetString("redis_addrs"), ",")
		store, err := redisstore.New(addrs)
		if err != nil {
			log.Errorf("failed to build redis-backed store, falling back to in-memory: %s", err.Error())
		} else {
			log.Infof("using redis-backed shared store across %d shard(s)", len(addrs))
			return store
		}
	}
	return memstore.New()
}

// roundRobin dispatches each inbound request to the next worker in turn.
// Workers share the same underlying host.SharedStore/host.Queue, so the
// choice of worker only affects which in-process pending table a waiter
// lands in.
func roundRobin(workers []*filter.Worker) http.Handler {
	var next uint32
	routes := make([]http.Handler, len(workers))
	for i, w := range workers {
		routes[i] = w.Routes()
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		i := atomic.AddUint32(&next, 1)
		routes[int(i)%len(routes)].ServeHTTP(rw, r)
	})
}

func numWorkers() int {
	if viper.IsSet("num_workers") {
		n := viper.GetInt("num_workers")
		if n > 0 {
			return n
		}
	}
	return 4
}

func main() {
	backendURL := viper.GetString("backend_url")
	if backendURL == "" {
		log.Errorf("THREESCALE_BACKEND_URL is required")
		os.Exit(1)
	}

	backend, err := codec.NewClient(backendURL, parseClientConfig())
	if err != nil {
		log.Errorf("failed to build backend client: %s", err.Error())
		os.Exit(1)
	}

	reporter := parseMetricsConfig()
	if reporter != nil {
		reporter.Serve()
	}

	deltaCfg := parseDeltaStoreConfig()

	sharedStore := buildSharedStore()
	queue := memstore.NewQueueWithCapacity(int(deltaCfg.AwaitQueueCapacity))
	ticker := memstore.NewTicker()
	switcher := memstore.NewContextSwitcher()

	filterCfg := parseFilterConfig()

	ctx, cancel := context.WithCancel(context.Background())

	workers := make([]*filter.Worker, 0, numWorkers())
	for i := 0; i < numWorkers(); i++ {
		w := filter.NewWorker(uint32(i+1), sharedStore, queue, switcher, backend, filterCfg)
		w.SetMetrics(reporter)
		instanceID := uuid.New()
		log.Infof("starting worker %d (instance %s)", i+1, instanceID)
		go w.Run(ctx)
		workers = append(workers, w)
	}

	agg := aggregator.New(cache.New(sharedStore), backend, queue, ticker, deltaCfg, func() int64 { return time.Now().Unix() })
	agg.SetMetrics(reporter)
	cancelAggregator := agg.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", roundRobin(workers))

	addr := "0.0.0.0:8090"
	if viper.IsSet("listen_addr") {
		addr = viper.GetString("listen_addr")
	}

	server := &http.Server{Addr: addr, Handler: mux}

	if version == "" {
		version = "undefined"
	}
	log.Infof("cache-filter %s listening on %s with %d worker(s)", version, addr, len(workers))

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("server stopped: %s", err.Error())
		}
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)
	<-sigC

	fmt.Println("signal received, shutting down")
	cancelAggregator()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("graceful shutdown failed: %s", err.Error())
		os.Exit(1)
	}
}
