package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/lterrac/gotftp"
)

func main() {
	var (
		addr       string
		root       string
		timeout    time.Duration
		retries    int
		verbose    bool
		metricAddr string
	)

	pflag.StringVar(&addr, "addr", ":69", "address to listen on")
	pflag.StringVar(&root, "root", ".", "directory served read-only/read-write to clients")
	pflag.DurationVar(&timeout, "timeout", 5*time.Second, "per-packet retransmit timeout")
	pflag.IntVar(&retries, "retries", 3, "retransmit attempts before giving up on a session")
	pflag.BoolVar(&verbose, "verbose", false, "log protocol activity to stderr")
	pflag.StringVar(&metricAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	pflag.Parse()

	logger := gotftp.DiscardLogger()
	if verbose {
		logger = gotftp.DefaultLogger()
	}

	var prom *gotftp.PromMetrics
	if metricAddr != "" {
		reg := prometheus.NewRegistry()
		prom = gotftp.NewPromMetrics(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Errorf("metrics server exited: %v", http.ListenAndServe(metricAddr, mux))
		}()
	}

	handler := gotftp.NewRootHandler(root)
	dispatcher, err := gotftp.NewDispatcher(addr, handler,
		gotftp.WithTimeout(timeout),
		gotftp.WithRetries(retries),
		gotftp.WithLogger(logger),
		gotftp.WithPromMetrics(prom),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bind:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("serving %s on %s", root, addr)
	if err := dispatcher.Serve(ctx); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "serve:", err)
		os.Exit(1)
	}
}
