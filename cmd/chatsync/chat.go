package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/classroomx/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	sendReplyTo      string
	sendFile         string
	sendWait         time.Duration
)

func init() {
	rootCmd.AddCommand(chatsCmd, watchCmd, sendCmd, reactCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being replied to")
	sendCmd.Flags().StringVar(&sendFile, "file", "", "attach an image or video; the message text becomes its caption")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "how long to wait for confirmation")
}

// session bundles what every room command needs.
type session struct {
	cfg  *Config
	svc  *chatsync.RemoteService
	self chatsync.Profile
	log  zerolog.Logger
}

func openSession() (*session, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger()
	svc, err := newService(cfg, log)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, svc: svc, self: selfProfile(cfg), log: log}, nil
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		list, err := s.svc.ListConversations(ctx, s.self.ID)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		return printConversations(cmd.OutOrStdout(), list, s.self.ID)
	},
}

func printConversations(w io.Writer, list []chatsync.ConversationSummary, selfID string) error {
	if jsonOutput {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No conversations found.")
		return nil
	}
	for _, c := range list {
		id := chatsync.SummaryIdentity(c, selfID, chatsync.Labels{})
		dot := " "
		if chatsync.IsUnread(c.LastMessageAt, c.LastReadAt) {
			dot = "●"
		}
		fmt.Fprintf(w, "%s %-24s %-32s %s\n", dot, id.DisplayName, c.LastMessagePreview, c.ID)
	}
	fmt.Fprintf(w, "\n%d unread\n", chatsync.UnreadCount(list))
	return nil
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Open a conversation and follow it live",
	Long:  "Print the history of a conversation and every change after it.\nLines typed on stdin are sent as messages. Ctrl-C leaves the room.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		out := cmd.OutOrStdout()
		notices := chatsync.NewNoticeBoard()
		notices.OnNotice(func(n chatsync.Notice) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", n.Level, n.Text)
		})

		updates := make(chan struct{}, 1)
		room, err := chatsync.OpenRoom(ctx, s.svc, args[0], chatsync.RoomOptions{
			Self:    s.self,
			Logger:  s.log,
			Metrics: metrics,
			Notices: notices,
			Cache:   newCache(s.cfg),
			OnChange: func() {
				select {
				case updates <- struct{}{}:
				default:
				}
			},
		})
		if err != nil {
			return err
		}
		defer room.Close()

		ident := room.Identity()
		fmt.Fprintf(out, "== %s (%s) ==\n", ident.DisplayName, ident.Kind)

		lines := make(chan string)
		go scanLines(os.Stdin, lines)

		r := newRenderer(out, s.self.ID)
		r.render(room)
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "Leaving room.")
				return nil
			case <-updates:
				r.render(room)
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				room.SetTyping(true)
				if _, err := room.SendText(ctx, line); err != nil && !errors.Is(err, chatsync.ErrEmptyMessage) {
					s.log.Debug().Err(err).Msg("send failed")
				}
			}
		}
	},
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// renderer prints each message once and again whenever its line changes.
type renderer struct {
	w       io.Writer
	selfID  string
	printed map[string]string
	typing  string
}

func newRenderer(w io.Writer, selfID string) *renderer {
	return &renderer{w: w, selfID: selfID, printed: make(map[string]string)}
}

func (r *renderer) render(room *chatsync.Room) {
	for _, m := range room.Messages() {
		key := m.Token
		if key == "" {
			key = m.ID
		}
		line := formatMessage(m, r.selfID)
		if r.printed[key] == line {
			continue
		}
		r.printed[key] = line
		fmt.Fprintln(r.w, line)
	}
	typing := strings.Join(room.Typing(), ", ")
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			fmt.Fprintf(r.w, "   … %s typing\n", typing)
		}
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message and wait for it to be confirmed",
	Args: func(cmd *cobra.Command, args []string) error {
		if sendFile != "" {
			return cobra.MinimumNArgs(1)(cmd, args)
		}
		return cobra.MinimumNArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait+5*time.Second)
		defer cancel()

		updates := make(chan struct{}, 1)
		room, err := chatsync.OpenRoom(ctx, s.svc, args[0], chatsync.RoomOptions{
			Self:   s.self,
			Logger: s.log,
			OnChange: func() {
				select {
				case updates <- struct{}{}:
				default:
				}
			},
		})
		if err != nil {
			return err
		}
		defer room.Close()

		text := strings.Join(args[1:], " ")
		var m chatsync.Message
		if sendFile != "" {
			file, err := readMedia(sendFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploading %s (%s)\n", file.Name, humanize.Bytes(uint64(len(file.Data))))
			m, err = room.SendMedia(ctx, file, text)
			if errors.Is(err, chatsync.ErrMediaTooLarge) {
				return fmt.Errorf("%s is larger than the %s limit", file.Name, humanize.IBytes(uint64(chatsync.DefaultMaxMediaBytes)))
			}
			if err != nil {
				return err
			}
		} else {
			m, err = room.Send(ctx, chatsync.TextBody(text), chatsync.SendOptions{ReplyTo: sendReplyTo})
			if err != nil {
				return err
			}
		}

		timeout := time.NewTimer(sendWait)
		defer timeout.Stop()
		for {
			cur, _ := room.Message(m.Token)
			switch cur.Status {
			case chatsync.StatusConfirmed:
				fmt.Fprintf(cmd.OutOrStdout(), "Message confirmed: %s\n", cur.ID)
				return nil
			case chatsync.StatusFailed:
				return errors.New("message failed")
			}
			select {
			case <-updates:
			case <-timeout.C:
				fmt.Fprintf(cmd.OutOrStdout(), "Message sent, confirmation not received yet (token %s)\n", m.Token)
				return nil
			}
		}
	},
}

// readMedia loads a file for upload. The content type is left empty so the
// room sniffs it from the data.
func readMedia(path string) (chatsync.MediaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatsync.MediaFile{}, fmt.Errorf("read %s: %w", path, err)
	}
	return chatsync.MediaFile{Name: filepath.Base(path), Data: data}, nil
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.svc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := chatsync.OpenRoom(ctx, s.svc, args[0], chatsync.RoomOptions{Self: s.self, Logger: s.log})
		if err != nil {
			return err
		}
		defer room.Close()

		if err := room.React(ctx, args[1], args[2]); err != nil {
			if errors.Is(err, chatsync.ErrDuplicateReaction) {
				fmt.Fprintln(cmd.OutOrStdout(), "You already reacted with that emoji.")
				return nil
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reacted %s to %s\n", args[2], args[1])
		return nil
	},
}
