package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/BramAlkema/svg2pptx-batch/internal/logging"
)

// request is the JSON document written to the converter's stdin.
type request struct {
	InputPaths []string `json:"input_paths"`
	OutputPath string   `json:"output_path"`
	Options    Options  `json:"options"`
}

// CommandConverter runs an external converter process. The process
// reads a JSON request on stdin and writes a JSON Result on stdout;
// a nonzero exit with unparsable output is a conversion error.
type CommandConverter struct {
	command []string
	logger  *logging.Logger
}

// NewCommandConverter builds a converter from a whitespace-separated
// command line, e.g. "python3 -m svg2pptx --batch".
func NewCommandConverter(command string) (*CommandConverter, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("converter command is empty")
	}
	return &CommandConverter{
		command: parts,
		logger:  logging.NewLogger("convert"),
	}, nil
}

// Convert invokes the converter process.
func (c *CommandConverter) Convert(ctx context.Context, inputPaths []string, outputPath string, opts Options) (*Result, error) {
	if len(inputPaths) == 0 {
		return nil, fmt.Errorf("no input paths")
	}

	reqData, err := json.Marshal(request{
		InputPaths: inputPaths,
		OutputPath: outputPath,
		Options:    opts,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = bytes.NewReader(reqData)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", c.command[0]).
		Int("inputs", len(inputPaths)).
		Str("output", outputPath).
		Msg("Invoking converter")

	runErr := cmd.Run()

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		if runErr != nil {
			return &Result{
				Success:       false,
				ErrorMessage:  fmt.Sprintf("converter exited: %v: %s", runErr, strings.TrimSpace(stderr.String())),
				ErrorCategory: "conversion_error",
			}, nil
		}
		return nil, fmt.Errorf("failed to parse converter output: %w", err)
	}

	if result.Success {
		if result.OutputPath == "" {
			result.OutputPath = outputPath
		}
		if result.OutputSizeBytes == 0 {
			if info, err := os.Stat(result.OutputPath); err == nil {
				result.OutputSizeBytes = info.Size()
			}
		}
	} else if result.ErrorCategory == "" {
		result.ErrorCategory = "conversion_error"
	}

	return &result, nil
}
