package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// previewLines is how many lines of the artifact are shown by default.
const previewLines = 20

// ConsoleApprover collects decisions from an interactive line-oriented
// prompt. Reads run on a background goroutine so a pending prompt can
// be abandoned on context cancellation.
type ConsoleApprover struct {
	in      io.Reader
	out     io.Writer
	saveDir string

	lines   chan string
	readErr chan error
	started bool
}

// NewConsoleApprover creates an approver reading decisions from in and
// writing prompts to out. saveDir is where the save verb writes
// artifacts for offline review.
func NewConsoleApprover(in io.Reader, out io.Writer, saveDir string) *ConsoleApprover {
	return &ConsoleApprover{in: in, out: out, saveDir: saveDir}
}

// NewStdioApprover creates a ConsoleApprover on stdin/stdout.
func NewStdioApprover(saveDir string) *ConsoleApprover {
	return NewConsoleApprover(os.Stdin, os.Stdout, saveDir)
}

func (a *ConsoleApprover) startReader() {
	if a.started {
		return
	}
	a.started = true
	a.lines = make(chan string)
	a.readErr = make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			a.lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			a.readErr <- err
		} else {
			a.readErr <- io.EOF
		}
		close(a.lines)
	}()
}

// readLine blocks for the next input line or context cancellation.
func (a *ConsoleApprover) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-a.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Review presents the artifact and loops until the reviewer gives a
// terminal verdict: approve, reject (with optional reason), or
// feedback (with required text). The view and save verbs repeat the
// prompt.
func (a *ConsoleApprover) Review(ctx context.Context, req Request) (Response, error) {
	a.startReader()
	a.printHeader(req)
	a.printPreview(req.Artifact)

	fmt.Fprintln(a.out)
	fmt.Fprintln(a.out, "Review options:")
	fmt.Fprintln(a.out, "  [a] approve  - continue to the next stage")
	fmt.Fprintln(a.out, "  [r] reject   - stop the pipeline")
	fmt.Fprintln(a.out, "  [f] feedback - provide feedback and re-run this stage")
	fmt.Fprintln(a.out, "  [v] view     - show the complete artifact")
	fmt.Fprintln(a.out, "  [s] save     - write the artifact to a file")

	for {
		fmt.Fprintf(a.out, "\nDecision for gate %d [a/r/f/v/s]: ", req.Gate)
		line, err := a.readLine(ctx)
		if err != nil {
			return Response{}, err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a":
			fmt.Fprintf(a.out, "Approved: %s\n", req.GateName)
			return Response{Decision: DecisionApprove}, nil

		case "r":
			fmt.Fprint(a.out, "Rejection reason (optional): ")
			reason, err := a.readLine(ctx)
			if err != nil {
				return Response{}, err
			}
			fmt.Fprintf(a.out, "Rejected: %s\n", req.GateName)
			return Response{Decision: DecisionReject, Note: strings.TrimSpace(reason)}, nil

		case "f":
			fmt.Fprint(a.out, "Feedback: ")
			feedback, err := a.readLine(ctx)
			if err != nil {
				return Response{}, err
			}
			if strings.TrimSpace(feedback) == "" {
				fmt.Fprintln(a.out, "No feedback provided, try again")
				continue
			}
			return Response{Decision: DecisionFeedback, Note: strings.TrimSpace(feedback)}, nil

		case "v":
			fmt.Fprintln(a.out, strings.Repeat("=", 80))
			fmt.Fprintln(a.out, req.Artifact)
			fmt.Fprintln(a.out, strings.Repeat("=", 80))

		case "s":
			path, err := a.saveArtifact(req)
			if err != nil {
				fmt.Fprintf(a.out, "Could not save artifact: %v\n", err)
			} else {
				fmt.Fprintf(a.out, "Saved to: %s\n", path)
			}

		default:
			fmt.Fprintln(a.out, "Invalid choice, expected a/r/f/v/s")
		}
	}
}

func (a *ConsoleApprover) printHeader(req Request) {
	sep := strings.Repeat("=", 80)
	fmt.Fprintln(a.out, sep)
	fmt.Fprintf(a.out, "APPROVAL GATE %d: %s (iteration %d)\n", req.Gate, req.GateName, req.Iteration)
	fmt.Fprintln(a.out, sep)
}

func (a *ConsoleApprover) printPreview(artifact string) {
	lines := strings.Split(artifact, "\n")
	fmt.Fprintln(a.out, "\nArtifact preview:")
	fmt.Fprintln(a.out, strings.Repeat("-", 80))
	if len(lines) <= previewLines {
		fmt.Fprintln(a.out, artifact)
	} else {
		fmt.Fprintln(a.out, strings.Join(lines[:previewLines], "\n"))
		fmt.Fprintf(a.out, "\n... (%d more lines)\n", len(lines)-previewLines)
	}
	fmt.Fprintln(a.out, strings.Repeat("-", 80))
}

func (a *ConsoleApprover) saveArtifact(req Request) (string, error) {
	if err := os.MkdirAll(a.saveDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("gate%d_%s_%d.txt",
		req.Gate,
		strings.ReplaceAll(strings.ToLower(req.GateName), " ", "_"),
		time.Now().Unix(),
	)
	path := filepath.Join(a.saveDir, name)
	if err := os.WriteFile(path, []byte(req.Artifact), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
