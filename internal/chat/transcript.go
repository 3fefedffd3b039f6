package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v2"
)

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported transcript format %q", s)
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "text/markdown; charset=utf-8"
	}
}

type Transcript struct {
	Title string `json:"title" yaml:"title"`
	Turns []Turn `json:"turns" yaml:"turns"`
}

func WriteTranscript(w io.Writer, transcript Transcript, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(transcript)
	case FormatYAML:
		data, err := yaml.Marshal(transcript)
		if err != nil {
			return fmt.Errorf("error encoding transcript as yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case FormatMarkdown:
		return writeMarkdown(w, transcript)
	}
	return fmt.Errorf("unsupported transcript format %q", format)
}

func writeMarkdown(w io.Writer, transcript Transcript) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", transcript.Title)

	for _, turn := range transcript.Turns {
		heading := "User"
		if turn.Role == RoleModel {
			heading = "Model"
		}
		fmt.Fprintf(&b, "## %s (%s)\n\n", heading, turn.Timestamp.Format("2006-01-02 15:04:05"))

		if turn.Content != "" {
			b.WriteString(turn.Content)
			b.WriteString("\n\n")
		}
		for _, m := range turn.Media {
			fmt.Fprintf(&b, "- attachment: `%s`\n", m)
		}
		if len(turn.Media) > 0 {
			b.WriteString("\n")
		}
		if turn.Failed {
			fmt.Fprintf(&b, "> send failed: %s\n\n", turn.Error)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
