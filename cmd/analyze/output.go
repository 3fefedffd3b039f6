package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/media"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	modelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
)

// readinessBar shows media processing against the readiness budget. Updates may come from one
// goroutine per file.
type readinessBar struct {
	mu     sync.Mutex
	w      io.Writer
	bar    *progressbar.ProgressBar
	states map[string]string
}

func newReadinessBar(w io.Writer) *readinessBar {
	return &readinessBar{w: w, states: make(map[string]string)}
}

func (r *readinessBar) Update(name string, p media.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil {
		r.bar = progressbar.NewOptions64(p.Budget.Milliseconds(),
			progressbar.OptionSetWriter(r.w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish(),
		)
	}
	r.states[name] = string(p.State)
	r.bar.Describe("⏳ " + describeMedia(r.states))
	if elapsed := p.Elapsed.Milliseconds(); elapsed > r.bar.State().CurrentNum {
		_ = r.bar.Set64(min(elapsed, r.bar.GetMax64()))
	}
}

func (r *readinessBar) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

func describeMedia(states map[string]string) string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+states[name])
	}
	return strings.Join(parts, ", ")
}

func printStep(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", stepStyle.Render("•"), message)
}

func printTurn(w io.Writer, turn chat.Turn) {
	switch {
	case turn.Failed:
		fmt.Fprintf(w, "%s %s\n%s\n\n", errorStyle.Render("you (failed)"), metaStyle.Render(turn.Error), turn.Content)
	case turn.Role == chat.RoleUser:
		fmt.Fprintf(w, "%s\n%s\n\n", userStyle.Render("you"), turn.Content)
	default:
		fmt.Fprintf(w, "%s\n%s\n\n", modelStyle.Render("analyst"), turn.Content)
	}
}

func printElapsed(w io.Writer, label string, d time.Duration) {
	fmt.Fprintf(w, "%s %s %s\n", successStyle.Render("✓"), label, metaStyle.Render(d.Round(time.Millisecond).String()))
}

// chatLoop reads one question per line and sends it until input ends or the user types exit.
// Failed sends are reported and the loop continues.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, send func(context.Context, string) (string, error)) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, userStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			return nil
		}

		reply, err := send(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(out, "%s %v\n\n", errorStyle.Render("✗"), err)
			continue
		}
		fmt.Fprintf(out, "%s\n%s\n\n", modelStyle.Render("analyst"), reply)
	}
}

func writeTranscriptFile(path string, transcript chat.Transcript) error {
	format, err := chat.ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transcript file %s: %w", path, err)
	}
	defer f.Close()
	return chat.WriteTranscript(f, transcript, format)
}
