// Command iacd is a reference embedding of the iac fabric: it registers one
// local endpoint that logs every package it receives, dials zero or more peer
// connections (TCP, serial, MQTT) given on the command line, and serves a
// viz snapshot over HTTP while the fabric runs.
//
// Grounded in the pack's cmd/<name>/main.go wiring-entry-point convention:
// flag-driven config, a root context cancelled on SIGINT/SIGTERM, and an
// errgroup supervising the independent goroutines (tick loop, HTTP server)
// so the first failure or the signal tears both down together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iacfabric/iac"
	"github.com/iacfabric/iac/conn"
	"github.com/iacfabric/iac/node"
	"github.com/iacfabric/iac/proto"
	"github.com/iacfabric/iac/viz"
)

func main() {
	var (
		epID        = flag.Uint("endpoint", 1, "local endpoint id (0-254)")
		epName      = flag.String("name", "iacd", "local endpoint name")
		tickMs      = flag.Uint("tick-ms", 50, "Update() driver interval in milliseconds")
		heartbeatMs = flag.Uint("heartbeat-ms", 1000, "route heartbeat interval in milliseconds")
		deadAfterMs = flag.Uint("dead-after-ms", 3000, "route dead-after interval in milliseconds")
		tcpPeers    = flag.String("tcp", "", "comma-separated host:port TCP peers to dial")
		serialPorts = flag.String("serial", "", "comma-separated serial device paths")
		mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://broker:1883")
		mqttPub     = flag.String("mqtt-pub", "", "MQTT publish topic")
		mqttSub     = flag.String("mqtt-sub", "", "MQTT subscribe topic")
		httpAddr    = flag.String("http", ":8080", "viz HTTP listen address")
		staticDir   = flag.String("static-dir", "./viz/static", "viz static asset directory")
	)
	flag.Parse()

	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(node.Config{
		HeartbeatMs: uint16(*heartbeatMs),
		DeadAfterMs: uint16(*deadAfterMs),
		Logger:      log,
		FatalHandler: func(err error) {
			log.Error("fatal fabric error, exiting", "error", err)
			stop()
		},
	})

	if err := n.RegisterEndpoint(iac.EpID(*epID), *epName, func(pkg *proto.Package) {
		log.Info("received package", "from", pkg.From, "type", pkg.Type, "bytes", len(pkg.Payload))
	}); err != nil {
		log.Error("register endpoint failed", "error", err)
		os.Exit(1)
	}

	for _, addr := range splitNonEmpty(*tcpPeers) {
		c := conn.NewTCPConnection(conn.TCPConfig{Addr: addr, Logger: log})
		if _, err := n.AddRoute(c); err != nil {
			log.Error("add TCP route failed", "addr", addr, "error", err)
			os.Exit(1)
		}
	}
	for _, port := range splitNonEmpty(*serialPorts) {
		c := conn.NewSerialConnection(conn.SerialConfig{Port: port, Logger: log})
		if _, err := n.AddRoute(c); err != nil {
			log.Error("add serial route failed", "port", port, "error", err)
			os.Exit(1)
		}
	}
	if *mqttBroker != "" {
		c := conn.NewMQTTConnection(conn.MQTTConfig{
			Broker: *mqttBroker, PublishTopic: *mqttPub, SubscribeTopic: *mqttSub, Logger: log,
		})
		if _, err := n.AddRoute(c); err != nil {
			log.Error("add MQTT route failed", "error", err)
			os.Exit(1)
		}
	}

	vizServer := viz.NewServer(*staticDir, log)
	vizServer.AddNetwork(*epName, n.Model())
	httpServer := &http.Server{Addr: *httpAddr, Handler: vizServer.Handler()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(*tickMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := n.Update(time.Now()); err != nil {
					return fmt.Errorf("update: %w", err)
				}
				vizServer.PushIfModified()
			}
		}
	})

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("viz server: %w", err)
			}
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("iacd exited with error", "error", err)
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
