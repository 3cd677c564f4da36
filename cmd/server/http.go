package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/log"
)

// handleHTTPServer starts the HTTP server and shuts it down gracefully when
// ctx is canceled.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, wg *sync.WaitGroup, errc chan error) {
	// Invocations stream for as long as the agents run, so only the header
	// read is bounded.
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, route := range []string{"POST /invocations", "POST /history", "GET /ping"} {
		log.Printf(ctx, "HTTP mounted on %s", route)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
