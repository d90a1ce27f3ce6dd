package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/example/coursecraft/services/learner/internal/progress"
	"github.com/example/coursecraft/services/learner/internal/session"
)

const (
	outputAuto  = "auto"
	outputJSON  = "json"
	outputTable = "table"
)

// human reports whether output should be rendered for a person: --output
// table, or auto on a terminal.
func (c *commandContext) human(cmd *cobra.Command) (bool, error) {
	switch c.output {
	case outputTable:
		return true, nil
	case outputJSON:
		return false, nil
	case outputAuto, "":
		return isTerminal(cmd.OutOrStdout()), nil
	default:
		return false, fmt.Errorf("unknown output format %q", c.output)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type progressView struct {
	progress.Record
	CompletionPercentage int `json:"completionPercentage"`
}

func viewOf(ps *progress.Store, rec progress.Record) progressView {
	return progressView{Record: rec, CompletionPercentage: ps.CompletionPercentage(rec.CourseID)}
}

func renderProgress(views []progressView, now time.Time) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Course", "Title", "Last video", "Seen", "Complete", "Last viewed"})
	for _, v := range views {
		tw.AppendRow(table.Row{
			v.CourseID,
			v.Course.Title,
			strconv.Itoa(v.LastVideoIndex),
			fmt.Sprintf("%d/%d", len(v.Seen()), v.Course.TotalVideos),
			fmt.Sprintf("%d%%", v.CompletionPercentage),
			lastViewed(v.LastViewedAt, now),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	return tw.Render()
}

func lastViewed(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// redact drops the refresh token; it never leaves the process.
func redact(s session.Snapshot) session.Snapshot {
	if s.Session != nil {
		cp := *s.Session
		cp.RefreshToken = ""
		s.Session = &cp
	}
	return s
}

func renderSession(w io.Writer, s session.Snapshot, now time.Time) {
	fmt.Fprintf(w, "state:    %s\n", s.State)
	if s.User != nil {
		fmt.Fprintf(w, "user:     %s (%s)\n", s.User.Email, s.User.ID)
	}
	if s.Session != nil && !s.Session.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "expires:  %s\n", humanize.RelTime(s.Session.ExpiresAt, now, "ago", "from now"))
	}
	if s.RenewalAt != nil {
		fmt.Fprintf(w, "renewal:  %s\n", humanize.RelTime(*s.RenewalAt, now, "ago", "from now"))
	}
	if s.ShowLoginModal {
		fmt.Fprintln(w, "sign in required")
	}
}
