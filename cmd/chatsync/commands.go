package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/session"

	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func roomsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := g.login(ctx)
			if err != nil {
				return err
			}
			defer s.Logout()

			rooms, err := s.Rooms().Load(ctx)
			if err != nil {
				return err
			}
			if len(rooms) == 0 {
				fmt.Println("no rooms")
				return nil
			}
			for _, r := range rooms {
				fmt.Printf("%s  unread=%-3d  %s  %s\n",
					r.RoomID, r.UnreadCount, stamp(r.LastMessageAt), preview(r.LastMessage))
			}
			return nil
		},
	}
}

func unreadCmd(g *globals) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Print the total unread count",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			s, err := g.login(ctx)
			if err != nil {
				return err
			}
			defer s.Logout()

			fmt.Println(s.Unread().Value())
			if !watch {
				return nil
			}

			dispose := s.Unread().OnChange(func(total int) {
				fmt.Println(total)
			})
			defer dispose()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep printing the total as it changes")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var (
		to   string
		kind string
	)

	cmd := &cobra.Command{
		Use:   "send [room-id] <body>",
		Short: "Send a message to a room or, with --to, to a user",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var roomID, body string
			switch {
			case to != "" && len(args) == 1:
				body = args[0]
			case to == "" && len(args) == 2:
				roomID, body = args[0], args[1]
			default:
				return errors.New("give either a room id and a body, or --to and a body")
			}
			if err := models.ValidateBody(body); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			s, err := g.login(ctx)
			if err != nil {
				return err
			}
			defer s.Logout()

			if to != "" {
				room, err := s.OpenDirectRoom(ctx, to)
				if err != nil {
					return err
				}
				roomID = room.RoomID
			}

			msg, err := s.Send(ctx, roomID, body, models.ParseKind(kind))
			if err != nil {
				return err
			}
			fmt.Printf("sent %s to %s at %s\n", msg.ID, msg.RoomID, stamp(msg.CreatedAt))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient user id; opens the direct room")
	cmd.Flags().StringVar(&kind, "kind", string(models.KindPlain), "Message kind (plain, resume, video-intro)")
	return cmd
}

func tailCmd(g *globals) *cobra.Command {
	var history int

	cmd := &cobra.Command{
		Use:   "tail <room-id>",
		Short: "Show recent history and follow new messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			if cmd.Flags().Changed("history") && history <= 0 {
				return fmt.Errorf("--history must be positive, got %d", history)
			}
			s, err := g.login(ctx)
			if err != nil {
				return err
			}
			defer s.Logout()

			view, err := openView(ctx, s, args[0], history)
			if err != nil {
				return err
			}
			defer view.Close()

			return follow(ctx, s, view)
		},
	}

	cmd.Flags().IntVarP(&history, "history", "n", 0, "Messages of history to show (default: initial page size)")
	return cmd
}

// openView opens roomID, loading more pages until at least history
// messages are held or the history is exhausted.
func openView(ctx context.Context, s *session.Session, roomID string, history int) (*session.RoomView, error) {
	view, err := s.OpenRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	for history > 0 {
		snap := view.Snapshot()
		if len(snap.Messages) >= history || !snap.HasMoreOlder {
			break
		}
		if err := view.LoadOlder(ctx); err != nil {
			view.Close()
			return nil, err
		}
	}
	return view, nil
}

// follow prints the held history oldest first, then every newer message
// as change signals arrive, until ctx is done.
func follow(ctx context.Context, s *session.Session, view *session.RoomView) error {
	var last time.Time
	printNew := func() {
		msgs := view.Snapshot().Messages
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			if !m.CreatedAt.After(last) {
				continue
			}
			fmt.Println(formatMessage(m, s.UserID()))
			last = m.CreatedAt
		}
	}

	printNew()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.Changes():
			printNew()
		}
	}
}

func formatMessage(m models.Message, self string) string {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	var tag string
	if m.Kind != models.KindPlain && m.Kind != "" {
		tag = " [" + m.Kind.String() + "]"
	}
	return fmt.Sprintf("%s  %s%s: %s", stamp(m.CreatedAt), who, tag, m.Body)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return strings.Repeat("-", len(timeLayout))
	}
	return t.Local().Format(timeLayout)
}

func preview(body string) string {
	const limit = 48
	r := []rune(strings.ReplaceAll(body, "\n", " "))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit-1]) + "…"
}
