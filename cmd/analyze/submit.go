package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/media"
	"attribution-backend/pkg/api"
	"attribution-backend/pkg/client"
)

var (
	submitArtifacts  artifactFlags
	submitServer     string
	submitInterval   time.Duration
	submitTranscript string
	submitNoChat     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an analysis to a running server and chat with the result",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return submitRemote(ctx, c, client.New(submitServer))
	},
}

func init() {
	submitArtifacts.register(submitCmd)
	submitCmd.Flags().StringVar(&submitServer, "server", "http://localhost:8001/api/v1", "base url of the analysis server")
	submitCmd.Flags().DurationVar(&submitInterval, "interval", time.Second, "how often to poll the run")
	submitCmd.Flags().StringVarP(&submitTranscript, "transcript", "o", "", "download the conversation to this file on exit (.md, .json or .yaml)")
	submitCmd.Flags().BoolVar(&submitNoChat, "no-chat", false, "print the initial report and exit")
	rootCmd.AddCommand(submitCmd)
}

func openUpload(path string) (client.File, func(), error) {
	if path == "" {
		return client.File{}, func() {}, fmt.Errorf("--workbook, --image and --video are required")
	}
	f, err := os.Open(path)
	if err != nil {
		return client.File{}, nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	return client.File{Name: filepath.Base(path), Data: f}, func() { f.Close() }, nil
}

func submitRemote(ctx context.Context, c *cobra.Command, remote *client.Client) error {
	out := c.OutOrStdout()

	var uploads [3]client.File
	for i, path := range []string{submitArtifacts.workbook, submitArtifacts.image, submitArtifacts.video} {
		upload, closeFn, err := openUpload(path)
		if err != nil {
			return err
		}
		defer closeFn()
		uploads[i] = upload
	}

	fmt.Fprintln(out, headerStyle.Render("Ad attribution analysis"))
	start := time.Now()

	runID, err := remote.SubmitTask(ctx, uploads[0], uploads[1], uploads[2])
	if err != nil {
		return err
	}
	printStep(out, "submitted run "+runID.String())

	bar := newReadinessBar(c.ErrOrStderr())
	lastState := ""
	run, err := remote.WaitForRun(ctx, runID, submitInterval, func(run api.Run) {
		for name, p := range run.Media {
			if run.State != "AWAITING_MEDIA_READINESS" {
				break
			}
			bar.Update(name, media.Progress{
				File:    p.File,
				State:   inference.FileState(p.State),
				Elapsed: time.Duration(p.ElapsedSeconds * float64(time.Second)),
				Budget:  time.Duration(p.BudgetSeconds * float64(time.Second)),
			})
		}
		if run.State != lastState && run.State != "AWAITING_MEDIA_READINESS" {
			bar.Finish()
			if !run.Terminal() {
				printStep(out, run.Message)
			}
		}
		lastState = run.State
	})
	bar.Finish()
	if err != nil {
		return err
	}

	if run.State != "REGISTERED" {
		if len(run.Missing) > 0 {
			return fmt.Errorf("missing required artifacts: %v", run.Missing)
		}
		return fmt.Errorf("analysis failed: %s", run.Message)
	}
	printElapsed(out, fmt.Sprintf("task %s ready", run.TaskId), time.Since(start))
	fmt.Fprintln(out)

	history, err := remote.History(ctx, run.TaskId)
	if err != nil {
		return err
	}
	for _, turn := range history[1:] {
		printTurn(out, turnFromAPI(turn))
	}

	if !submitNoChat {
		fmt.Fprintln(out, metaStyle.Render("ask a follow-up question, or type exit"))
		send := func(ctx context.Context, message string) (string, error) {
			res, err := remote.SendMessage(ctx, run.TaskId, message)
			return res.Reply, err
		}
		if err := chatLoop(ctx, c.InOrStdin(), out, send); err != nil && ctx.Err() == nil {
			return err
		}
	}

	if submitTranscript != "" {
		format := strings.TrimPrefix(filepath.Ext(submitTranscript), ".")
		data, err := remote.Transcript(context.WithoutCancel(ctx), run.TaskId, format)
		if err != nil {
			return err
		}
		if err := os.WriteFile(submitTranscript, data, 0o644); err != nil {
			return fmt.Errorf("error writing transcript %s: %w", submitTranscript, err)
		}
		printElapsed(out, "transcript written to "+submitTranscript, time.Since(start))
	}
	return nil
}

func turnFromAPI(turn api.Turn) chat.Turn {
	return chat.Turn{
		Role:      chat.Role(turn.Role),
		Content:   turn.Content,
		Media:     turn.Media,
		Timestamp: turn.Timestamp,
		Failed:    turn.Failed,
		Error:     turn.Error,
	}
}
