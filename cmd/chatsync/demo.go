package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/classroomx/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted conversation against an in-process backend",
	Long:  "Walk through optimistic sends, duplicate delivery, typing, reactions and a failed send\nwithout any network access.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context(), cmd.OutOrStdout())
	},
}

func runDemo(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger()
	svc := chatsync.NewMemoryService(chatsync.MemoryOptions{Logger: log})
	defer svc.Close()

	alice := chatsync.Profile{ID: "alice", DisplayName: "Alice"}
	bob := chatsync.Profile{ID: "bob", DisplayName: "Bob"}
	svc.AddProfile(alice)
	svc.AddProfile(bob)

	conv, err := chatsync.FindOrCreateDirect(ctx, svc, alice.ID, bob.ID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(reg)
	notices := chatsync.NewNoticeBoard()
	notices.OnNotice(func(n chatsync.Notice) {
		fmt.Fprintf(out, "   notice [%s] %s\n", n.Level, n.Text)
	})

	open := func(p chatsync.Profile) (*chatsync.Room, error) {
		return chatsync.OpenRoom(ctx, svc, conv.ID, chatsync.RoomOptions{
			Self:    p,
			Logger:  log,
			Metrics: metrics,
			Notices: notices,
		})
	}
	roomA, err := open(alice)
	if err != nil {
		return err
	}
	defer roomA.Close()
	roomB, err := open(bob)
	if err != nil {
		return err
	}
	defer roomB.Close()
	fmt.Fprintf(out, "Alice sees %q, Bob sees %q\n\n", roomA.Identity().DisplayName, roomB.Identity().DisplayName)

	fmt.Fprintln(out, "1. Optimistic send")
	m, err := roomA.SendText(ctx, "Hi Bob!")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "   right after send: %s\n", m.Status)
	if !waitFor(func() bool { cur, _ := roomA.Message(m.Token); return cur.Status == chatsync.StatusConfirmed }) {
		return errors.New("message was never confirmed")
	}
	confirmed, _ := roomA.Message(m.Token)
	fmt.Fprintf(out, "   after the realtime event: %s (id %s)\n", confirmed.Status, confirmed.ID)

	fmt.Fprintln(out, "2. Duplicate delivery")
	waitFor(func() bool { return len(roomB.Messages()) == 1 })
	if err := svc.Redeliver(confirmed.ID); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	fmt.Fprintf(out, "   Bob's room still holds %d message(s)\n", len(roomB.Messages()))

	fmt.Fprintln(out, "3. Typing")
	roomB.SetTyping(true)
	waitFor(func() bool { return slices.Contains(roomA.Typing(), bob.ID) })
	fmt.Fprintf(out, "   Alice sees typing: %v\n", roomA.Typing())
	roomB.Blur()
	waitFor(func() bool { return len(roomA.Typing()) == 0 })
	fmt.Fprintf(out, "   after Bob blurs: %v\n", roomA.Typing())

	fmt.Fprintln(out, "4. Reaction")
	if err := roomB.React(ctx, confirmed.ID, "👍"); err != nil {
		return err
	}
	waitFor(func() bool { cur, _ := roomA.Message(confirmed.ID); return len(cur.Reactions) == 1 })
	if err := roomB.React(ctx, confirmed.ID, "👍"); errors.Is(err, chatsync.ErrDuplicateReaction) {
		fmt.Fprintln(out, "   second 👍 from Bob refused")
	}

	fmt.Fprintln(out, "5. Failed send")
	svc.FailNext(chatsync.OpCreateMessage, errors.New("network down"))
	failed, err := roomA.SendText(ctx, "Are you there?")
	fmt.Fprintf(out, "   status %s, error: %v\n", failed.Status, err)

	fmt.Fprintln(out, "\nAlice's transcript:")
	for _, m := range roomA.Messages() {
		fmt.Fprintln(out, "  "+formatMessage(m, alice.ID))
	}

	fmt.Fprintln(out, "\nMetrics:")
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(out, "  %s %v\n", f.GetName(), m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Fprintf(out, "  %s %v\n", f.GetName(), m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(out, "  %s count=%d\n", f.GetName(), m.GetHistogram().GetSampleCount())
			}
		}
	}
	return nil
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
