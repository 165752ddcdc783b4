// Package stageexec runs pipeline stages in an external processor process.
//
// The scientific transforms live outside this module. Each stage invokes
// the configured command with the stage name as its last argument, writes a
// Request as JSON on stdin and reads a Response from stdout. Exit status 65
// (EX_DATAERR) means the input data is unusable; any other non-zero exit is
// an ordinary stage failure.
package stageexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/ashita-ai/echotrail/internal/pipeline"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// ExitDataErr is the exit status a processor uses for unusable input.
const ExitDataErr = 65

// maxStderr bounds how much processor stderr is kept for error messages.
const maxStderr = 2048

// Request is written to the processor's stdin.
type Request struct {
	Stage     string             `json:"stage"`
	RawFile   RawFile            `json:"raw_file"`
	Settings  *settings.Snapshot `json:"settings"`
	OutputDir string             `json:"output_dir"`
	Datasets  []pipeline.Dataset `json:"datasets"`
	// Input is the newest dataset in the chain, the one a stage reads.
	Input    *pipeline.Dataset `json:"input,omitempty"`
	Products pipeline.Products `json:"products"`
}

// RawFile is the wire form of pipeline.RawFile.
type RawFile struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Type        string `json:"type"`
	SonarModel  string `json:"sonar_model"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Response is read from the processor's stdout. Datasets are appended to the
// chain; each non-nil product replaces the current one.
type Response struct {
	Datasets []pipeline.Dataset `json:"datasets"`
	Products pipeline.Products  `json:"products"`
}

// Command runs one processor binary.
type Command struct {
	argv      []string
	outputDir string
	logger    *slog.Logger
}

// New returns a Command for argv, which must name at least the executable.
func New(argv []string, outputDir string, logger *slog.Logger) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("stageexec: processor command is required")
	}
	return &Command{argv: argv, outputDir: outputDir, logger: logger}, nil
}

// Stage returns a pipeline stage named name backed by this command.
func (c *Command) Stage(name string) pipeline.Stage {
	return pipeline.Named(name, func(ctx context.Context, pc pipeline.Context) (pipeline.Context, error) {
		return c.run(ctx, name, pc)
	})
}

// Register adds one stage per name to reg.
func (c *Command) Register(reg *pipeline.Registry, names []string) error {
	for _, n := range names {
		if err := reg.Register(c.Stage(n)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Command) run(ctx context.Context, stage string, pc pipeline.Context) (pipeline.Context, error) {
	req := Request{
		Stage: stage,
		RawFile: RawFile{
			ID:          pc.RawFile.ID,
			Path:        pc.RawFile.Path,
			Type:        pc.RawFile.Type,
			SonarModel:  pc.RawFile.Integrity.SonarModel,
			Fingerprint: pc.RawFile.Integrity.Fingerprint,
		},
		Settings:  pc.Settings,
		OutputDir: c.outputDir,
		Datasets:  pc.Datasets,
		Products:  pc.Products,
	}
	if d, ok := pc.LastDataset(); ok {
		req.Input = &d
	}
	in, err := json.Marshal(req)
	if err != nil {
		return pc, fmt.Errorf("stageexec: encode request: %w", err)
	}

	args := append(append([]string{}, c.argv[1:]...), stage)
	cmd := exec.CommandContext(ctx, c.argv[0], args...) //nolint:gosec // the processor command is operator configuration
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("stageexec: starting processor", "stage", stage, "raw_file_id", pc.RawFile.ID)
	if err := cmd.Run(); err != nil {
		detail := tail(stderr.String(), maxStderr)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitDataErr {
			return pc, fmt.Errorf("%w: %s", pipeline.ErrInputUnusable, detail)
		}
		if detail != "" {
			return pc, fmt.Errorf("stageexec: %s: %w: %s", stage, err, detail)
		}
		return pc, fmt.Errorf("stageexec: %s: %w", stage, err)
	}

	dec := json.NewDecoder(&stdout)
	dec.UseNumber()
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return pc, fmt.Errorf("stageexec: %s: decode response: %w", stage, err)
	}
	return merge(pc, resp), nil
}

func merge(pc pipeline.Context, r Response) pipeline.Context {
	for _, d := range r.Datasets {
		pc = pc.WithDataset(d)
	}
	p := r.Products
	if p.Echogram != nil {
		pc.Products.Echogram = p.Echogram
	}
	if p.Track != nil {
		pc.Products.Track = p.Track
	}
	if p.Seabed != nil {
		pc.Products.Seabed = p.Seabed
	}
	if p.NASC != nil {
		pc.Products.NASC = p.NASC
	}
	if p.Shoals != nil {
		pc.Products.Shoals = p.Shoals
	}
	if p.Artifact != nil {
		pc.Products.Artifact = p.Artifact
	}
	return pc
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
