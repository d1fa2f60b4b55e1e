package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/artifactoor/pkg/runner"
)

// MaxMarkdownChars bounds the generated step summary.
const MaxMarkdownChars = 65000

// GenerateMarkdown renders a step summary. runErr may be nil.
func GenerateMarkdown(res *runner.Result, runErr error, maxChars int) string {
	var sb strings.Builder

	sb.Grow(2048)

	fmt.Fprintf(&sb, "# Artifact: %s\n\n", res.ArtifactName)

	writeOverview(&sb, res, runErr)
	writeMembers(&sb, res.Members, maxChars)

	return sb.String()
}

// AppendStepSummary appends the markdown summary to the file named by
// GITHUB_STEP_SUMMARY.
func AppendStepSummary(path string, res *runner.Result, runErr error) error {
	return appendFile(path, GenerateMarkdown(res, runErr, MaxMarkdownChars))
}

func writeOverview(sb *strings.Builder, res *runner.Result, runErr error) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Status | %s |\n", res.Status)

	if runErr != nil {
		fmt.Fprintf(sb, "| Error | %s |\n", escapeCell(runErr.Error()))
	}

	switch {
	case res.DryRun:
		fmt.Fprintf(sb, "| Destination | local dry run, `%s` |\n", res.RemoteFile())
	case res.Status == runner.StatusSuccess:
		fmt.Fprintf(sb, "| Destination | `%s:%s` |\n", res.Server, res.RemoteFile())
	}

	if res.RootDir != "" {
		fmt.Fprintf(sb, "| Root Directory | `%s` |\n", res.RootDir)
	}

	fmt.Fprintf(sb, "| Files | %d |\n", len(res.Members))

	if res.Status == runner.StatusSuccess {
		fmt.Fprintf(sb, "| Uncompressed | %s |\n", units.HumanSize(float64(res.Archive.UncompressedSize)))
		fmt.Fprintf(sb, "| Archive Size | %s |\n", units.HumanSize(float64(res.BytesUploaded)))

		if res.Archive.UncompressedSize > 0 {
			ratio := float64(res.BytesUploaded) / float64(res.Archive.UncompressedSize) * 100
			fmt.Fprintf(sb, "| Ratio | %.1f%% |\n", ratio)
		}
	}

	fmt.Fprintf(sb, "| Duration | %s |\n", res.Duration.Round(time.Millisecond))

	sb.WriteByte('\n')
}

func writeMembers(sb *strings.Builder, members []string, maxChars int) {
	if len(members) == 0 {
		return
	}

	sb.WriteString("## Files\n\n")
	sb.WriteString("| Member |\n")
	sb.WriteString("|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, m := range members {
		row := fmt.Sprintf("| `%s` |\n", m)

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb, "\n*%d more file(s) not shown (output truncated at %d chars)*\n",
				len(members)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}
