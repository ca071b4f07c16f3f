/*
Copyright (c) Facebook, Inc. and its affiliates.

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

/*
claspd is the reference composition root for a single CLASP router
(spec section 1/2): it wires the core packages together behind a
length-prefixed TCP listener and an optional WebSocket listener, the
two transports spec section 6 names explicitly. It is not part of
"the core" -- a bridge or embedder is free to drive
router.Router/ingress.Handler over any other transport instead.
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/clasp-router/clasp/auth"
	"github.com/clasp-router/clasp/clock"
	"github.com/clasp-router/clasp/config"
	"github.com/clasp-router/clasp/gesture"
	"github.com/clasp-router/clasp/ingress"
	"github.com/clasp-router/clasp/maint"
	"github.com/clasp-router/clasp/metrics"
	"github.com/clasp-router/clasp/router"
	"github.com/clasp-router/clasp/sched"
	"github.com/clasp-router/clasp/session"
	"github.com/clasp-router/clasp/store"
	"github.com/clasp-router/clasp/subindex"
	"github.com/clasp-router/clasp/transport/tcpref"
	"github.com/clasp-router/clasp/transport/wsref"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (spec section 6 recognized options)")
	logLevelFlag := flag.String("loglevel", "", "Override log level: debug, info, warning, error")
	listenFlag := flag.String("listen", "", "Override listen_addr (TCP)")
	wsListenFlag := flag.String("wslisten", "", "Override ws_listen_addr (WebSocket, empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}
	if *wsListenFlag != "" {
		cfg.WSListenAddr = *wsListenFlag
	}

	level := cfg.LogLevel
	if *logLevelFlag != "" {
		level = *logLevelFlag
	}
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning", "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(cfg.ParamTTL())
	subs := subindex.New()
	ges := gesture.New(cfg.GestureCoalesceInterval(), cfg.GestureMaxAge())
	clk := clock.New()
	sessions := session.NewRegistry()
	tokens := auth.NewStaticValidator()
	if cfg.TokensFile != "" {
		loaded, err := auth.LoadTokensFile(cfg.TokensFile)
		if err != nil {
			return err
		}
		tokens = loaded
	}
	tokenRegistry := auth.NewRegistry(tokens)
	scheduler := sched.New(clk.NowUs)
	mset := metrics.New()

	r := router.New(st, subs, ges, clk, scheduler, tokenRegistry, cfg.Authenticated())
	r.Metrics = mset
	r.MaxSubscriptionsPerSession = cfg.MaxSubscriptionsPerSession

	dispatcher := &ingress.RouterDispatcher{Router: r, Sessions: sessions}
	r.Deliver = dispatcher.Deliver

	maintainer := maint.New(maint.Config{
		TTLSweepInterval:     cfg.TTLSweepInterval(),
		GestureCoalesceMs:    cfg.GestureCoalesceInterval(),
		SessionIdleTimeout:   cfg.SessionTimeout(),
		SessionSweepInterval: cfg.TTLSweepInterval(),
	}, st, ges, sessions, clk, dispatcher)
	maintainer.SetMetrics(mset)

	handler := &ingress.Handler{
		Router:        r,
		Tokens:        tokenRegistry,
		Clock:         clk,
		Sessions:      sessions,
		Authenticated: cfg.Authenticated(),
		MaxSessions:   cfg.MaxSessions,
		FeatureFlags:  cfg.FeatureFlags,
		Metrics:       mset,
	}

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":7770"
	}
	ln, err := tcpref.Listen(listenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Infof("claspd: listening on %s (tcp)", listenAddr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return maintainer.Run(ctx) })

	g.Go(func() error {
		go func() {
			<-ctx.Done()
			scheduler.Stop()
		}()
		scheduler.Run(10 * time.Millisecond)
		return nil
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			err := mset.ListenAndServe(cfg.MetricsAddr)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go func() {
				if serveErr := handler.Serve(ctx, conn); serveErr != nil {
					log.Debugf("claspd: tcp connection from %s ended: %v", conn.RemoteAddr(), serveErr)
				}
			}()
		}
	})

	if cfg.WSListenAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/clasp", func(w http.ResponseWriter, req *http.Request) {
			conn, err := wsref.Upgrade(w, req)
			if err != nil {
				log.Debugf("claspd: websocket upgrade from %s failed: %v", req.RemoteAddr, err)
				return
			}
			if serveErr := handler.Serve(ctx, conn); serveErr != nil {
				log.Debugf("claspd: websocket connection from %s ended: %v", conn.RemoteAddr(), serveErr)
			}
		})
		wsSrv := &http.Server{Addr: cfg.WSListenAddr, Handler: mux}
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				wsSrv.Close()
			}()
			log.Infof("claspd: listening on %s (websocket, /clasp)", cfg.WSListenAddr)
			err := wsSrv.ListenAndServe()
			if err == http.ErrServerClosed || ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
