package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chrisboulton/agentsocket-go"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation with the agent.

Commands:
  /stop    abandon the reply in progress
  /new     archive this conversation and start a new one
  /retry   reconnect after a connection failure
  /quit    leave (Ctrl+D works too)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, flags, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runChat(ctx context.Context, flags *globalFlags, in io.Reader, out, errOut io.Writer) error {
	e, err := flags.open(errOut)
	if err != nil {
		return err
	}
	defer e.Close()

	opts := append(e.sessionOptions(), agentsocket.WithToolExecutor(localTools()))
	session := agentsocket.New(ctx, e.resolver(), opts...)
	defer session.Close()

	if session.ConnectionFailedLastTime() {
		fmt.Fprintln(out, color.YellowString("The last session could not reach the agent."))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := newRenderer(out)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for snap := range session.Updates(gctx) {
			r.render(snap)
		}
		return nil
	})

	if err := session.Connect(ctx); err != nil {
		var cerr *agentsocket.ConfigError
		if !errors.As(err, &cerr) {
			e.logger.Warn("initial connect failed", slog.Any("error", err))
		}
	}

	lines := make(chan string)
	g.Go(func() error {
		defer cancel()
		return readInput(gctx, session, lines, out)
	})

	// Scanner reads cannot be cancelled, so this goroutine is left to exit
	// with the process.
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	err = g.Wait()
	session.Disconnect()
	return err
}

// readInput dispatches input lines until /quit, end of input or ctx ends.
func readInput(ctx context.Context, session *agentsocket.Session, lines <-chan string, out io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, session, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintln(out, color.RedString("error: %v", err))
			}
			if quit {
				return nil
			}
		}
	}
}

// dispatch handles one input line. It reports whether the user asked to quit.
func dispatch(ctx context.Context, session *agentsocket.Session, line string, out io.Writer) (bool, error) {
	switch line {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/stop":
		session.StopRequest()
		fmt.Fprintln(out, color.HiBlackString("(stopped)"))
		return false, nil
	case "/new":
		session.NewConversation()
		fmt.Fprintln(out, color.HiBlackString("(new conversation)"))
		return false, nil
	case "/retry":
		return false, session.ManualRetry(ctx)
	}
	return false, session.SendMessage(ctx, line)
}

// renderer prints transcript changes as snapshots arrive.
type renderer struct {
	out     io.Writer
	printed int
	state   agentsocket.ConnState
	status  agentsocket.Status
	err     string
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, state: agentsocket.StateDisconnected}
}

func (r *renderer) render(snap agentsocket.Snapshot) {
	// A new conversation restarts the transcript.
	if len(snap.Messages) < r.printed {
		r.printed = 0
	}

	if snap.State != r.state {
		r.state = snap.State
		switch snap.State {
		case agentsocket.StateConnected:
			fmt.Fprintln(r.out, color.GreenString("● connected"))
		case agentsocket.StateReconnecting:
			fmt.Fprintln(r.out, color.YellowString("● reconnecting (attempt %d)", snap.RetryAttempt))
		case agentsocket.StateFailed:
			fmt.Fprintln(r.out, color.RedString("● connection failed; type /retry to try again"))
		case agentsocket.StateDisconnected:
			fmt.Fprintln(r.out, color.HiBlackString("● disconnected"))
		}
	}

	for _, msg := range snap.Messages[r.printed:] {
		r.printMessage(msg)
	}
	r.printed = len(snap.Messages)

	if snap.Typing.IsTyping && snap.Typing.Status != r.status && snap.Typing.Status != agentsocket.StatusNone {
		fmt.Fprintln(r.out, color.HiBlackString("… %s", snap.Typing.Status))
	}
	r.status = snap.Typing.Status

	if snap.Err != "" && snap.Err != r.err {
		fmt.Fprintln(r.out, color.RedString("agent error: %s", snap.Err))
	}
	r.err = snap.Err
}

func (r *renderer) printMessage(msg agentsocket.Message) {
	switch msg.Role {
	case agentsocket.RoleUser:
		fmt.Fprintf(r.out, "%s %s\n", color.BlueString("you:"), msg.Content)
	default:
		if len(msg.ExecutedTools) > 0 {
			fmt.Fprintln(r.out, color.HiBlackString("(used %s)", strings.Join(msg.ExecutedTools, ", ")))
		}
		fmt.Fprintf(r.out, "%s %s\n", color.MagentaString("agent:"), msg.Content)
	}
}
