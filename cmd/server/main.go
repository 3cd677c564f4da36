package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"

	"github.com/awschat/supervisor/config"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides the configuration)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and the pprof endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}
	if *dbgF {
		cfg.Server.Debug = true
	}
	if cfg.Server.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.Server.Addr}, log.KV{K: "model-provider", V: cfg.Model.Provider})

	ctx, cancel := context.WithCancel(ctx)
	svc, err := build(ctx, cfg)
	if err != nil {
		cancel()
		log.Fatalf(ctx, err, "failed to initialize")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	handleHTTPServer(ctx, cfg.Server.Addr, svc.handler, &wg, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	svc.close(context.WithoutCancel(ctx))
	log.Printf(ctx, "exited")
}
