// Command chat is a terminal client for the supervisor service. It reads
// prompts from stdin and prints the merged answer with sub-agent progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awschat/supervisor/client"
)

func main() {
	var (
		urlF     = flag.String("url", "http://localhost:8080", "Service base URL")
		sessionF = flag.String("session", "", "Conversation session ID (defaults to the server default session)")
		historyF = flag.Bool("history", false, "Print the session history and exit")
		limitF   = flag.Int("limit", 10, "Number of history turns printed with -history")
		verboseF = flag.Bool("verbose", false, "Also print sub-agent text and tool calls")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*urlF, nil)
	if *historyF {
		if err := printHistory(ctx, c, *sessionF, *limitF, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := chat(ctx, c, *sessionF, os.Stdin, os.Stdout, *verboseF); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
