/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command remap-gateway runs the Envoy ext_proc v3 gateway that serves
// live traffic off a compiled remap rule file, reloading on write
// (spec.md §2, "the HTTP state machine asks the Rewriter for a match").
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/remapcore/engine/internal/gateway"
	"github.com/remapcore/engine/internal/rewrite/config"
	"github.com/remapcore/engine/internal/rewrite/metrics"
	"github.com/remapcore/engine/internal/rewrite/ruleconf"
)

func main() {
	var (
		addr          = flag.String("addr", ":9443", "gRPC listen address for the ext_proc service")
		metricsAddr   = flag.String("metrics-addr", ":9464", "HTTP listen address for /metrics")
		rulesPath     = flag.String("rules", "remap.config", "path to the remap rule file")
		pluginDir     = flag.String("plugin-dir", "plugins", "directory relative @plugin= paths resolve against")
		watch         = flag.Bool("watch", true, "reload the rule file on write")
		backdoorHost  = flag.String("backdoor-host", "", "internal host the synthetic /ink/rh backdoor rule targets (empty disables it)")
		autoconfPort  = flag.Int("autoconf-port", 0, "local port the synthetic PAC rule targets (0 disables it)")
	)
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	opts := config.PluginDirOptions(*pluginDir, nil)
	opts.BackdoorInternalHost = *backdoorHost
	opts.AutoconfPort = *autoconfPort

	watcher, warnings, err := config.NewWatcher(*rulesPath, opts, log)
	if err != nil {
		log.Fatal("compiling initial rule file", zap.Error(err))
	}
	for _, w := range warnings.Errors {
		log.Warn("remap config warning", zap.Int("line", w.Line), zap.String("message", w.Message))
	}

	reg := metrics.New()
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)

	if *watch {
		if err := watcher.Watch(func(warnings *ruleconf.ErrorList) {
			log.Info("remap config reloaded", zap.Int("warnings", len(warnings.Errors)))
		}); err != nil {
			log.Warn("starting rule file watcher", zap.Error(err))
		}
	}

	proc := gateway.NewProcessor(watcher, log, reg)

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	extprocv3.RegisterExternalProcessorServer(grpcServer, proc)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("listening", zap.String("addr", *addr), zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down remap-gateway")
		grpcServer.GracefulStop()
		watcher.Close()
		metricsServer.Shutdown(context.Background())
	}()

	log.Info("starting remap-gateway", zap.String("addr", *addr), zap.String("rules", *rulesPath))
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal("grpc server stopped", zap.Error(err))
	}
}
