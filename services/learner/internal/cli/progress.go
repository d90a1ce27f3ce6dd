package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/coursecraft/services/learner/internal/app"
	"github.com/example/coursecraft/services/learner/internal/progress"
)

var errNotSignedIn = errors.New("not signed in; run `learner session login` first")

func newProgressCommand(c *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect and edit course progress",
	}
	cmd.AddCommand(
		newProgressListCommand(c),
		newProgressShowCommand(c),
		newProgressSaveCommand(c),
		newProgressRemoveCommand(c),
		newProgressMarkCommand(c, "complete", "Mark a video completed", progress.ChangeCompleted),
		newProgressMarkCommand(c, "watch", "Mark a video watched", progress.ChangeWatched),
		newProgressPercentCommand(c),
		newProgressSyncCommand(c),
	)
	return cmd
}

func newProgressListCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List progress for every course, most recent first",
		Args:  cobra.NoArgs,
		RunE: c.withApp(func(cmd *cobra.Command, _ []string, a *app.App) error {
			recs := a.Progress.List()
			views := make([]progressView, 0, len(recs))
			for _, rec := range recs {
				views = append(views, viewOf(a.Progress, rec))
			}
			human, err := c.human(cmd)
			if err != nil {
				return err
			}
			if !human {
				return writeJSON(cmd, map[string]any{"items": views})
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No course progress yet.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderProgress(views, time.Now()))
			return nil
		}),
	}
}

func lookup(a *app.App, courseID string) (progress.Record, error) {
	rec, ok := a.Progress.Get(courseID)
	if !ok {
		return progress.Record{}, fmt.Errorf("no progress for course %q", courseID)
	}
	return rec, nil
}

func newProgressShowCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <course-id>",
		Short: "Show the progress record for a course",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			rec, err := lookup(a, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(a.Progress, rec))
		}),
	}
}

func newProgressSaveCommand(c *commandContext) *cobra.Command {
	var (
		video       int
		title       string
		totalVideos int
		completed   []int
		watched     []int
	)
	cmd := &cobra.Command{
		Use:   "save <course-id>",
		Short: "Record the last viewed video of a course",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			rec, err := a.Progress.Save(cmd.Context(), progress.Update{
				Course: progress.CourseMetadata{
					CourseID:    args[0],
					Title:       title,
					TotalVideos: totalVideos,
				},
				VideoIndex: video,
				Completed:  completed,
				Watched:    watched,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(a.Progress, rec))
		}),
	}
	cmd.Flags().IntVar(&video, "video", 0, "Index of the last viewed video")
	cmd.Flags().StringVar(&title, "title", "", "Course title")
	cmd.Flags().IntVar(&totalVideos, "total-videos", 0, "Number of videos in the course")
	cmd.Flags().IntSliceVar(&completed, "completed", nil, "Completed video indices")
	cmd.Flags().IntSliceVar(&watched, "watched", nil, "Watched video indices")
	return cmd
}

func newProgressRemoveCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <course-id>",
		Aliases: []string{"rm"},
		Short:   "Forget the progress for a course",
		Args:    cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			a.Progress.Remove(cmd.Context(), args[0])
			return nil
		}),
	}
}

func newProgressMarkCommand(c *commandContext, use, short string, kind progress.ChangeKind) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <course-id> <video-index>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil || idx < 0 {
				return fmt.Errorf("invalid video index %q", args[1])
			}
			mark := a.Progress.MarkVideoWatched
			if kind == progress.ChangeCompleted {
				mark = a.Progress.MarkVideoCompleted
			}
			if !mark(cmd.Context(), args[0], idx) {
				return fmt.Errorf("no progress for course %q", args[0])
			}
			rec, err := lookup(a, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(a.Progress, rec))
		}),
	}
}

func newProgressPercentCommand(c *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "percent <course-id>",
		Short: "Print the completion percentage of a course",
		Args:  cobra.ExactArgs(1),
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.Progress.CompletionPercentage(args[0]))
			return nil
		}),
	}
}

func newProgressSyncCommand(c *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [course-id]",
		Short: "Refresh course metadata from the catalog",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: c.withApp(func(cmd *cobra.Command, args []string, a *app.App) error {
			if a.Syncer == nil {
				return errors.New("catalog is not configured")
			}
			a.Start(cmd.Context())
			token, ok := a.Session.AccessToken()
			if !ok {
				return errNotSignedIn
			}
			if all {
				n, err := a.Syncer.SyncAll(cmd.Context(), token)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d course(s)\n", n)
				return nil
			}
			rec, err := a.Syncer.Sync(cmd.Context(), args[0], token)
			if err != nil {
				return err
			}
			return writeJSON(cmd, viewOf(a.Progress, rec))
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "Sync every course with stored progress")
	return cmd
}
