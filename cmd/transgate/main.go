package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meszmate/transgate/internal/config"
	"github.com/meszmate/transgate/internal/gateway"
	"github.com/meszmate/transgate/internal/logging"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("transgate " + version)
		return
	}

	if *configPath == "" && flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: transgate [--config] <config-file>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transgate: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "transgate: %v\n", err)
		os.Exit(1)
	}

	g, err := gateway.New(cfg)
	if err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Info("shutting down")
		g.Stop()
	}()

	logging.Info("transgate %s starting for %s", version, cfg.Service.JID)
	if err := g.Run(); err != nil {
		logging.Error("%v", err)
		os.Exit(1)
	}
}
