package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"seglog/config"
	"seglog/storage/aol"
	"seglog/storage/record"
	"seglog/storage/wal"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	registerer := prometheus.NewRegistry()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			level.Error(logger).Log("msg", "failed to load config", "err", err)
			os.Exit(1)
		}
	}

	opts, err := cfg.WALOptions()
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}

	w, err := wal.Open(logger, registerer, cfg.Dir, opts)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open log", "dir", cfg.Dir, "err", err)
		os.Exit(1)
	}

	var (
		done = atomic.NewBool(false)
		wg   sync.WaitGroup
		enc  = record.NewEncoder(opts.CompressionFormat)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()

		var (
			count  int
			offset uint64
			now    = time.Now()
		)

		for !done.Load() {
			off, err := enc.Append(w, []byte("It's hello world test for the log"))
			if err != nil {
				level.Error(logger).Log("err", err)
				return
			}

			offset = off
			count++
		}

		logger.Log("since", time.Since(now), "records", count, "last_offset", offset, "msg", "records have been written")
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Log("msg", "app started...", "dir", cfg.Dir, "compression", opts.CompressionFormat)
	<-sigs

	done.Store(true)
	wg.Wait()

	if err := w.Close(); err != nil {
		level.Error(logger).Log("msg", "failed to close log", "err", err)
		os.Exit(1)
	}

	segments, err := aol.Segments(cfg.Dir, opts.Extension)
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(1)
	}

	logger.Log("msg", "exiting...", "segments", len(segments))
}
