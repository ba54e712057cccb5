// cmd/distfsd is the main entrypoint for a distfs node.
//
// Configuration is a YAML file plus a couple of flag overrides:
//
//	./distfsd --config /etc/distfs/config.yaml
//	./distfsd --config /etc/distfs/config.yaml --node-name node2 --tcp-port 9001
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"distfs/internal/config"
	"distfs/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	nodeName := flag.String("node-name", "", "Override node.name from the config file")
	tcpPort := flag.Int("tcp-port", 0, "Override network.tcp_port from the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyOverrides(*nodeName, *tcpPort)

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	entry := logrus.NewEntry(log)

	d := daemon.New(cfg, entry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		entry.Info("received shutdown signal")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		entry.WithError(err).Fatal("daemon exited with error")
	}
}
