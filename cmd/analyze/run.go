package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/config"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/tasks"
)

type artifactFlags struct {
	workbook string
	image    string
	video    string
}

func (f *artifactFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.workbook, "workbook", "", "performance workbook (.xlsx)")
	c.Flags().StringVar(&f.image, "image", "", "ad cover image")
	c.Flags().StringVar(&f.video, "video", "", "ad video")
}

var (
	runArtifacts  artifactFlags
	runTranscript string
	runNoChat     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an analysis in this process against the inference service",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runLocal(ctx, c, cfg)
	},
}

func init() {
	runArtifacts.register(runCmd)
	runCmd.Flags().StringVarP(&runTranscript, "transcript", "o", "", "write the conversation to this file on exit (.md, .json or .yaml)")
	runCmd.Flags().BoolVar(&runNoChat, "no-chat", false, "print the initial report and exit")
	rootCmd.AddCommand(runCmd)
}

// openArtifact returns nil for an empty path so that missing inputs are reported together.
func openArtifact(path string) (*tasks.Artifact, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	mimeType := artifactMIMEType(path)
	return &tasks.Artifact{Name: filepath.Base(path), MIMEType: mimeType, Data: f}, func() { f.Close() }, nil
}

func artifactMIMEType(path string) string {
	switch ext := filepath.Ext(path); ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}

func runLocal(ctx context.Context, c *cobra.Command, cfg config.Config) error {
	out := c.OutOrStdout()

	service, err := inference.NewGeminiService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return err
	}
	registry, err := cfg.NewRegistry()
	if err != nil {
		return err
	}
	orchestrator, err := cfg.NewOrchestrator(service, registry)
	if err != nil {
		return err
	}

	var artifacts tasks.Artifacts
	for _, item := range []struct {
		path string
		dst  **tasks.Artifact
	}{{runArtifacts.workbook, &artifacts.Workbook}, {runArtifacts.image, &artifacts.Image}, {runArtifacts.video, &artifacts.Video}} {
		artifact, closeFn, err := openArtifact(item.path)
		if err != nil {
			return err
		}
		defer closeFn()
		*item.dst = artifact
	}

	fmt.Fprintln(out, headerStyle.Render("Ad attribution analysis"))

	bar := newReadinessBar(c.ErrOrStderr())
	start := time.Now()
	taskID, err := orchestrator.StartTask(ctx, artifacts, func(ev tasks.Event) {
		if ev.Media != nil {
			bar.Update(ev.Message, *ev.Media)
			return
		}
		if ev.State == tasks.Inferring || tasks.IsTerminal(ev.State) {
			bar.Finish()
		}
		if ev.State != tasks.Registered && ev.State != tasks.Failed {
			printStep(out, ev.Message)
		}
	})
	bar.Finish()
	if err != nil {
		return err
	}

	task, err := registry.Get(taskID)
	if err != nil {
		return err
	}
	printElapsed(out, fmt.Sprintf("task %s ready", taskID), time.Since(start))
	fmt.Fprintln(out)
	for _, turn := range task.Session.History()[1:] {
		printTurn(out, turn)
	}

	if !runNoChat {
		fmt.Fprintln(out, metaStyle.Render("ask a follow-up question, or type exit"))
		if err := chatLoop(ctx, c.InOrStdin(), out, task.Session.SendText); err != nil && ctx.Err() == nil {
			return err
		}
	}

	if runTranscript != "" {
		transcript := chat.Transcript{Title: task.Title, Turns: task.Session.History()}
		if err := writeTranscriptFile(runTranscript, transcript); err != nil {
			return err
		}
		printElapsed(out, "transcript written to "+runTranscript, time.Since(start))
	}
	return nil
}
