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
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rajivgeraev/flippy-chat/internal/chatclient"
	"github.com/rajivgeraev/flippy-chat/internal/models"
)

func displayName(u *models.User) string {
	if u == nil {
		return "?"
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.ID.String()
	}
	return name
}

func printMessage(w io.Writer, me uuid.UUID, m models.Message, pending bool) {
	who := "them"
	if m.SenderID == me {
		who = "me"
	}
	status := ""
	switch {
	case pending:
		status = " (sending)"
	case m.SenderID == me && m.IsRead:
		status = " ✓✓"
	case m.SenderID == me:
		status = " ✓"
	}
	fmt.Fprintf(w, "[%s] %-4s %s%s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), who, m.Text, status)
}

func parseUserID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPI()
			if err != nil {
				return err
			}
			user, err := api.Profile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", user.ID, displayName(user))
			return nil
		},
	}
}

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations with unread counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPI()
			if err != nil {
				return err
			}
			conversations, err := api.ListConversations(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(conversations) == 0 {
				fmt.Fprintln(out, "No conversations yet")
				return nil
			}
			for _, c := range conversations {
				last := ""
				if c.LastMessage != nil {
					last = c.LastMessage.Text
				}
				peer := ""
				if c.OtherParticipant != nil {
					peer = c.OtherParticipant.ID.String()
				}
				fmt.Fprintf(out, "%-20s %s unread=%d  %s\n", displayName(c.OtherParticipant), peer, c.MyUnreadCount, last)
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [user-id]",
		Short: "Print conversation history with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			api, err := newAPI()
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			conv, err := api.OpenConversation(cmd.Context(), peer)
			if err != nil {
				return err
			}
			page, err := api.ListMessages(cmd.Context(), conv.ID, chatclient.Page{Limit: limit})
			if err != nil {
				return err
			}

			me := conv.Other(peer)
			out := cmd.OutOrStdout()
			if page.HasMore {
				fmt.Fprintln(out, "... older messages available")
			}
			for _, m := range page.Messages {
				printMessage(out, me, m, false)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Maximum messages")
	return cmd
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [user-id] [text...]",
		Short: "Send a message to a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			api, err := newAPI()
			if err != nil {
				return err
			}

			conv, err := api.OpenConversation(cmd.Context(), peer)
			if err != nil {
				return err
			}
			msg, err := api.SendMessage(cmd.Context(), chatclient.SendRequest{
				ConversationID: conv.ID,
				RecipientID:    peer,
				Text:           strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %s\n", msg.ID, msg.Timestamp.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open [user-id]",
		Short: "Open an interactive chat window (type to send, Ctrl-D to exit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			api, err := newAPI()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			session := chatclient.NewSession(api, viper.GetString("realtime"), log)
			defer session.Close()

			rt, err := session.Acquire()
			if err != nil {
				return err
			}
			defer session.Release()

			out := cmd.OutOrStdout()
			rt.OnStateChange(func(s chatclient.State) {
				fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", s)
			})

			window, err := chatclient.OpenWindow(ctx, api, rt, peer, chatclient.WindowOptions{Log: log})
			if err != nil {
				return err
			}
			defer window.Close()

			me := window.Conversation().Other(peer)
			fmt.Fprintf(out, "Chat with %s\n", displayName(window.Conversation().OtherParticipant))
			printed := make(map[uuid.UUID]bool)
			printNew := func(entries []chatclient.Entry) {
				for _, e := range entries {
					if e.Pending || printed[e.ID] {
						continue
					}
					printed[e.ID] = true
					printMessage(out, me, e.Message, false)
				}
			}
			printNew(window.Messages())

			changes := make(chan []chatclient.Entry, 16)
			window.OnChange(func(entries []chatclient.Entry) {
				select {
				case changes <- entries:
				default:
				}
			})

			lines := make(chan string)
			go func() {
				defer close(lines)
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case entries := <-changes:
					printNew(entries)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					if _, err := window.Send(ctx, line); err != nil {
						var sendErr *chatclient.SendError
						if errors.As(err, &sendErr) {
							fmt.Fprintf(cmd.ErrOrStderr(), "not sent: %v (draft: %q)\n", sendErr.Err, sendErr.Draft)
							continue
						}
						return err
					}
				}
			}
		},
	}
}

func unreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show the total number of unread messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPI()
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			interval, _ := cmd.Flags().GetDuration("interval")
			out := cmd.OutOrStdout()

			if !watch {
				total, err := api.UnreadTotal(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(out, total)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			poller := chatclient.NewUnreadPoller(api, interval, log)
			poller.OnChange(func(total int) {
				fmt.Fprintf(out, "%s unread=%d\n", time.Now().Format("15:04:05"), total)
			})
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolP("watch", "w", false, "Keep polling and print changes")
	cmd.Flags().Duration("interval", chatclient.DefaultUnreadInterval, "Polling interval for --watch")
	return cmd
}
