// Copyright 2026 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/rewrite-proxy/config"
	"github.com/Jigsaw-Code/rewrite-proxy/internal/upstream"
	"github.com/Jigsaw-Code/rewrite-proxy/proxy"
	"github.com/Jigsaw-Code/rewrite-proxy/route"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	configFlag := flag.String("config", "", "YAML config file. Uses the built-in defaults if empty")
	addrFlag := flag.String("addr", "", "Address to listen on. Overrides the config listen address")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on. Disabled if empty")
	transportFlag := flag.String("transport", "", "Transport config for upstream connections. Overrides the config transport")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		slog.Error("Could not load config", "error", err)
		os.Exit(1)
	}
	if *addrFlag != "" {
		cfg.Listen = *addrFlag
	}
	if *transportFlag != "" {
		cfg.Transport = *transportFlag
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, err := newHandler(cfg, proxy.NewMetrics(reg))
	if err != nil {
		slog.Error("Could not create proxy", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The proxy handler is installed without a mux so /proxy/ paths reach it uncleaned.
	servers := []*http.Server{{Addr: cfg.Listen, Handler: handler, ReadHeaderTimeout: 30 * time.Second}}
	if *metricsAddrFlag != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: *metricsAddrFlag, Handler: mux, ReadHeaderTimeout: 30 * time.Second})
	}

	serveErr := make(chan error, len(servers))
	for _, server := range servers {
		listener, err := net.Listen("tcp", server.Addr)
		if err != nil {
			slog.Error("Could not listen", "address", server.Addr, "error", err)
			os.Exit(1)
		}
		slog.Info("Serving", "address", listener.Addr().String())
		go func(server *http.Server) {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}(server)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Shutdown did not complete", "address", server.Addr, "error", err)
		}
	}
}

func loadConfig(filename string) (*config.Config, error) {
	if filename == "" {
		return config.Default()
	}
	return config.Load(filename)
}

func newHandler(cfg *config.Config, metrics *proxy.Metrics) (*proxy.Handler, error) {
	table, err := cfg.NewRouteTable()
	if err != nil {
		return nil, err
	}
	for _, host := range cfg.UnlistedRouteHosts(table) {
		slog.Warn("Route host is not allow-listed; its requests will be refused", "host", host)
	}
	rewriter, err := cfg.NewRewriter(table)
	if err != nil {
		return nil, err
	}
	dialer, err := upstream.NewStreamDialer(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	client, err := proxy.NewClient(dialer)
	if err != nil {
		return nil, err
	}
	var fallback http.Handler
	if cfg.StaticDir != "" {
		fallback = http.FileServer(http.Dir(cfg.StaticDir))
	}
	return proxy.NewHandler(proxy.Options{
		AllowList:      cfg.NewAllowList(),
		Resolver:       route.NewResolver(table),
		Rewriter:       rewriter,
		Client:         client,
		Fallback:       fallback,
		PublicOrigin:   cfg.PublicOrigin,
		ClientIPHeader: cfg.ClientIPHeader,
		CacheMaxAge:    cfg.CacheMaxAge,
		Metrics:        metrics,
		Logger:         slog.Default(),
	})
}
