// Package summary reports a finished run back to the CI system.
package summary

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethpandaops/artifactoor/pkg/runner"
	"github.com/google/uuid"
)

// Outputs returns the step outputs of a run, in a stable order.
func Outputs(res *runner.Result) [][2]string {
	remote := ""
	if res.Status == runner.StatusSuccess {
		remote = res.RemoteFile()
	}

	return [][2]string{
		{"status", string(res.Status)},
		{"remote-path", remote},
		{"artifact-size", strconv.FormatInt(res.BytesUploaded, 10)},
		{"files-count", strconv.Itoa(len(res.Members))},
	}
}

// WriteOutputs appends the step outputs to the file named by GITHUB_OUTPUT.
func WriteOutputs(path string, res *runner.Result) error {
	var sb strings.Builder

	for _, kv := range Outputs(res) {
		writeOutput(&sb, kv[0], kv[1])
	}

	return appendFile(path, sb.String())
}

// writeOutput uses the heredoc form for values spanning several lines.
func writeOutput(sb *strings.Builder, key, value string) {
	if !strings.ContainsAny(value, "\r\n") {
		fmt.Fprintf(sb, "%s=%s\n", key, value)

		return
	}

	delimiter := "ghadelimiter_" + uuid.NewString()
	fmt.Fprintf(sb, "%s<<%s\n%s\n%s\n", key, delimiter, value, delimiter)
}

func appendFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()

		return fmt.Errorf("writing %s: %w", path, err)
	}

	return f.Close()
}
