package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forum-service/internal/models"
	"forum-service/internal/observability"
	"forum-service/internal/realtime"
	"forum-service/internal/reconcile"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [room-id]",
	Short: "Join a room and chat interactively",
	Long: `Join a room and chat interactively. Lines are sent as messages.
Commands: /delete <id>, /flush, /list, /leave.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := parseRoom(args[0])
		if err != nil {
			return err
		}
		e, err := loadEnv(cmd)
		if err != nil {
			return err
		}
		defer e.log.Sync()
		return runChat(cmd.Context(), e, room, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runChat(parent context.Context, e *env, room int64, in io.Reader, out io.Writer) error {
	store, err := openStore(e.cfg.Store, e.log)
	if err != nil {
		return err
	}
	defer store.Close()
	serveMetrics(e.cfg.MetricsAddr, e.log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	header.Set(observability.HeaderSenderID, e.cfg.SenderID)
	dial := func() (reconcile.Channel, error) {
		ch, err := realtime.Connect(e.cfg.Server, realtime.Options{
			Transports: e.cfg.Transports,
			Header:     header,
			Logger:     e.log.Named("realtime"),
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	view := &transcript{out: out, seen: make(map[string]struct{})}
	var ctrl *reconcile.Controller
	ctrl = reconcile.New(e.remote, store, dial, reconcile.Options{
		SenderID:       e.cfg.SenderID,
		FlushInterval:  e.cfg.FlushInterval,
		HistoryTimeout: e.cfg.HistoryTimeout,
		JoinTimeout:    e.cfg.JoinTimeout,
		Reporter:       observability.NewSyncReporter(e.log, e.cfg.SenderID),
		Logger:         e.log.Named("reconcile"),
		OnUpdate:       func() { view.render(ctrl.Messages()) },
	})

	if err := ctrl.Select(ctx, room); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		ctrl.Close(closeCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.HistoryTimeout+e.cfg.JoinTimeout)
	err = ctrl.AwaitLive(waitCtx)
	cancel()
	if err != nil {
		e.log.Warn("room_not_live", zap.Error(err))
	}
	if ctrl.LocalOnly() {
		fmt.Fprintln(out, "! showing local messages only; the server could not be reached")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, ctrl, view, out, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, ctrl *reconcile.Controller, view *transcript, out io.Writer, line string) bool {
	switch {
	case line == "":
	case line == "/leave":
		return true
	case line == "/flush":
		ctrl.Flush(ctx)
		fmt.Fprintln(out, "* flushed")
	case line == "/list":
		view.reset()
		view.render(ctrl.Messages())
	case strings.HasPrefix(line, "/delete "):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")), 10, 64)
		if err != nil {
			fmt.Fprintln(out, "! usage: /delete <id>")
			return false
		}
		if err := ctrl.Delete(id); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(out, "! commands: /delete <id>, /flush, /list, /leave")
	default:
		if _, err := ctrl.Send(line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
	if ctrl.Degraded() {
		fmt.Fprintln(out, "! local storage failed; unsent messages will not survive a restart")
	}
	return false
}

// transcript prints each message once. Messages are keyed by content so a
// provisional message is not printed again after it settles.
type transcript struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]struct{}
}

func (t *transcript) reset() {
	t.mu.Lock()
	t.seen = make(map[string]struct{})
	t.mu.Unlock()
}

func (t *transcript) render(msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		key := m.SenderID + "|" + m.CreatedAt.Format(time.RFC3339Nano) + "|" + m.Body
		if _, ok := t.seen[key]; ok {
			continue
		}
		t.seen[key] = struct{}{}
		fmt.Fprintln(t.out, formatMessage(m))
	}
}
