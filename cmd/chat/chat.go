package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awschat/supervisor/client"
	"github.com/awschat/supervisor/runtime/agent/stream"
)

// chat sends each non-empty input line as a prompt and prints the streamed
// reply. Server errors are printed and the loop continues.
func chat(ctx context.Context, c *client.Client, session string, in io.Reader, out io.Writer, verbose bool) error {
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		prompt := strings.TrimSpace(sc.Text())
		switch prompt {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		p := &printer{out: out, verbose: verbose}
		err := c.Invoke(ctx, prompt, session, p.print)
		p.finish()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var remote *client.RemoteError
			if !errors.As(err, &remote) {
				return err
			}
			fmt.Fprintf(out, "error: %s\n", remote.Message)
		}
	}
}

func printHistory(ctx context.Context, c *client.Client, session string, limit int, out io.Writer) error {
	msgs, err := c.History(ctx, session, limit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "(no history)")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
	}
	return nil
}

// printer renders one reply. Progress lines interrupt the answer text on
// their own line.
type printer struct {
	out     io.Writer
	verbose bool
	midLine bool
}

func (p *printer) print(ev stream.Event) error {
	switch e := ev.(type) {
	case stream.SubTaskProgress:
		p.line("[%s] %s", e.Stage, e.Message)
	case stream.ToolUseStart:
		if p.verbose {
			p.line("[tool] %s %s", e.ToolName, originLabel(e.Origin))
		}
	case stream.TextDelta:
		if e.ToolInput && !p.verbose {
			return nil
		}
		if e.Origin != "" && !p.verbose {
			return nil
		}
		fmt.Fprint(p.out, e.Text)
		p.midLine = !strings.HasSuffix(e.Text, "\n")
	}
	return nil
}

func (p *printer) line(format string, args ...any) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) finish() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func originLabel(origin string) string {
	if origin == "" {
		return "(supervisor)"
	}
	return "(" + origin + ")"
}
