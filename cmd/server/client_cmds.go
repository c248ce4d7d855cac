package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/plrelay/backend/internal/client"
	"github.com/plrelay/backend/internal/session"
	"github.com/plrelay/backend/internal/theme"
	"github.com/plrelay/backend/internal/ws"
	"github.com/spf13/cobra"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active download sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := client.NewHTTPClient(root.serverURL).Sessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string][]string{"active_sessions": ids})
			}
			if len(ids) == 0 {
				_, err := fmt.Fprintln(out, theme.StyleDimmed.Render("no active sessions"))
				return err
			}
			fmt.Fprintln(out, theme.StyleHeader.Render(fmt.Sprintf("active sessions: %d", len(ids))))
			for _, id := range ids {
				fmt.Fprintln(out, "  "+id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newCancelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := client.NewHTTPClient(root.serverURL).Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), theme.StyleSuccess.Render(msg))
			return err
		},
	}
}

// errDownloadFailed marks a stream that ended with an error event.
var errDownloadFailed = errors.New("download failed")

func newFetchCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "fetch <playlist-url>",
		Short: "Start a download on the server and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			p := &fetchPrinter{out: out}
			_, err := client.NewHTTPClient(root.serverURL).Download(ctx, args[0], format,
				func(id string) {
					fmt.Fprintln(out, theme.StyleDimmed.Render("session "+id))
				},
				p.frame)
			if err != nil {
				return err
			}
			if p.failed {
				return errDownloadFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mp4", "Output format: mp4 or mp3")
	return cmd
}

type fetchPrinter struct {
	out    io.Writer
	total  int
	failed bool
}

func (p *fetchPrinter) frame(f client.Frame) error {
	switch f.Event {
	case "total":
		fmt.Sscanf(f.Data, "%d", &p.total)
		fmt.Fprintln(p.out, theme.StyleHeader.Render(fmt.Sprintf("%d items", p.total)))
	case "progress":
		var pr struct {
			Video     string `json:"video"`
			Completed int    `json:"completed"`
			Total     int    `json:"total"`
		}
		if err := json.Unmarshal([]byte(f.Data), &pr); err != nil {
			return fmt.Errorf("bad progress frame %q: %w", f.Data, err)
		}
		fmt.Fprintf(p.out, "%s %3d/%-3d %s\n", theme.Bar(pr.Completed, pr.Total, 20), pr.Completed, pr.Total, pr.Video)
	case "complete":
		fmt.Fprintln(p.out, theme.StyleSuccess.Render(theme.StateGlyph("complete")+" "+f.Data))
	case "error":
		p.failed = true
		fmt.Fprintln(p.out, theme.StyleError.Render(theme.StateGlyph("error")+" "+f.Data))
	}
	return nil
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session lifecycle on the server's live feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			feed, err := client.FeedURL(root.serverURL)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err = client.NewWSClient(feed).Watch(ctx, func(m client.Message) error {
				return printFeedMessage(out, m)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func printFeedMessage(out io.Writer, m client.Message) error {
	var err error
	switch m.Type {
	case ws.MsgSnapshot:
		_, err = fmt.Fprintln(out, renderSnapshot(m.Snapshot.Sessions))
	case ws.MsgStarted:
		_, err = fmt.Fprintln(out, sessionLine(m.Started.Session))
	case ws.MsgDelta:
		for _, s := range m.Delta.Updates {
			if _, err = fmt.Fprintln(out, sessionLine(s)); err != nil {
				return err
			}
		}
	case ws.MsgFinished:
		_, err = fmt.Fprintln(out, sessionLine(m.Finished.Session))
	}
	return err
}

func sessionLine(s session.Snapshot) string {
	id := s.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s %-4s %s %d/%d", id, s.Format, theme.Bar(s.Completed, s.Total, 12), s.Completed, s.Total)
	if s.CurrentTitle != "" {
		line += " " + s.CurrentTitle
	}
	return theme.Badge(s.State.String()) + " " + line
}

func renderSnapshot(sessions []session.Snapshot) string {
	if len(sessions) == 0 {
		return theme.StyleBorder.Render(theme.StyleDimmed.Render("no active sessions"))
	}
	lines := make([]string, 0, len(sessions)+1)
	lines = append(lines, theme.StyleHeader.Render(fmt.Sprintf("%d active", len(sessions))))
	for _, s := range sessions {
		lines = append(lines, sessionLine(s))
	}
	return theme.StyleBorder.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

