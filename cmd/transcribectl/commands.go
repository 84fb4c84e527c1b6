package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lectern/transcriber/internal/model"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var mode, ref string
	cmd := &cobra.Command{
		Use:   "start <videoId>",
		Short: "Start transcribing a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ctx.client().Start(cmd.Context(), args[0], model.StartRequest{
				Mode:     model.ProcessingMode(mode),
				VideoRef: ref,
			})
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Processing mode: sequential, parallel or auto")
	cmd.Flags().StringVar(&ref, "ref", "", "Source URL or path when it differs from the video ID")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <videoId>",
		Short: "Show progress of a video and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ctx.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func newResubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <videoId>",
		Short: "Re-enqueue the failed chunks of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := ctx.client().Resubmit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if result.Enqueued == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: no failed chunks\n", result.VideoID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: re-enqueued %d chunk(s)\n", result.VideoID, result.Enqueued)
			return nil
		},
	}
}

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "List chunk jobs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			letters, err := ctx.client().DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(letters) == 0 {
				fmt.Fprintln(out, "No dead letters")
				return nil
			}
			rows := make([][]string, 0, len(letters))
			for _, dl := range letters {
				rows = append(rows, []string{
					dl.VideoID,
					strconv.Itoa(dl.ChunkIndex),
					dl.FailedAt.Local().Format(time.DateTime),
					dl.LastError,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Video", "Chunk", "Failed At", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <videoId>",
		Short: "Remove a transcript with its files and dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func printStatus(out io.Writer, s *model.StatusResponse) {
	fmt.Fprintf(out, "Video:  %s\n", s.VideoID)
	fmt.Fprintf(out, "Status: %s", s.OverallStatus)
	if s.ProcessingMode != "" {
		fmt.Fprintf(out, " (%s)", s.ProcessingMode)
	}
	fmt.Fprintln(out)
	if s.TotalChunks > 0 {
		fmt.Fprintf(out, "Chunks: %d/%d completed\n", s.CompletedChunks, s.TotalChunks)
	}
	if s.Error != "" {
		fmt.Fprintf(out, "Error:  %s\n", s.Error)
	}
	if len(s.Chunks) == 0 {
		return
	}
	rows := make([][]string, 0, len(s.Chunks))
	for _, c := range s.Chunks {
		rows = append(rows, []string{
			strconv.Itoa(c.ChunkIndex),
			formatOffset(c.StartTime),
			formatOffset(c.EndTime),
			string(c.Status),
			c.Error,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Start", "End", "Status", "Error"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignLeft},
	))
}

func formatOffset(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
