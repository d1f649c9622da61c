package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"forum-service/internal/models"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pendingCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [room-id]",
	Short: "Print the server history of a room",
	Args:  cobra.ExactArgs(1),
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

		ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.HistoryTimeout)
		defer cancel()
		msgs, err := e.remote.History(ctx, room)
		if err != nil {
			return fmt.Errorf("history of room %d: %w", room, err)
		}
		out := cmd.OutOrStdout()
		for _, m := range msgs {
			fmt.Fprintln(out, formatMessage(m))
		}
		fmt.Fprintf(out, "%s messages\n", humanize.Comma(int64(len(msgs))))
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending [room-id]",
	Short: "Show unflushed messages and deletes held in the local store",
	Args:  cobra.ExactArgs(1),
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

		store, err := openStore(e.cfg.Store, e.log)
		if err != nil {
			return err
		}
		defer store.Close()

		msgs, err := store.Load(room)
		if err != nil {
			return fmt.Errorf("load buffer: %w", err)
		}
		deletes, err := store.PendingDeletes(room)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		return printPending(cmd.OutOrStdout(), room, msgs, deletes)
	},
}

func printPending(out io.Writer, room int64, msgs []models.Message, deletes []int64) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "room %d: %s unflushed messages (%s)\n",
		room, humanize.Comma(int64(len(msgs))), humanize.Bytes(uint64(len(raw))))
	for _, m := range msgs {
		fmt.Fprintln(out, "  "+formatMessage(m))
	}
	fmt.Fprintf(out, "room %d: %s pending deletes\n", room, humanize.Comma(int64(len(deletes))))
	for _, id := range deletes {
		fmt.Fprintf(out, "  #%d\n", id)
	}
	return nil
}

func formatMessage(m models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d [%s, %s] %s: %s",
		m.ID, m.CreatedAt.Local().Format("15:04:05"), humanize.Time(m.CreatedAt), m.SenderID, m.Body)
	for _, a := range m.Attachments {
		name := a.FileName
		if name == "" {
			name = a.URL
		}
		fmt.Fprintf(&b, " [file: %s]", name)
	}
	return b.String()
}
