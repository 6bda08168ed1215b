package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"pmbot/internal/domain"
)

// dialogChannel runs the configured dialog command as a subprocess. The
// request is written to the subprocess's stdin as JSON; the chosen option is
// read from its stdout. Killing the process (context cancellation) abandons
// the prompt.
type dialogChannel struct {
	command string
	logger  *slog.Logger
}

func newDialogChannel(command string, logger *slog.Logger) *dialogChannel {
	return &dialogChannel{command: command, logger: logger}
}

// dialogPayload is the stdin contract with the dialog command.
type dialogPayload struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Context       map[string]string `json:"context,omitempty"`
	Options       []string          `json:"options"`
	DefaultOption string            `json:"default_option"`
}

func (d *dialogChannel) prompt(ctx context.Context, req domain.ConfirmationRequest, out chan<- response) {
	payload, err := json.Marshal(dialogPayload{
		ID:            req.ID,
		Title:         req.Title,
		Context:       req.Context,
		Options:       req.Options,
		DefaultOption: req.DefaultOption,
	})
	if err != nil {
		out <- response{err: fmt.Errorf("confirm: marshal dialog payload: %w", err)}
		return
	}

	// The command is split on whitespace; no shell quoting.
	parts := strings.Fields(d.command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	outBytes, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			// Killed because the race resolved elsewhere; stay silent.
			return
		}
		out <- response{err: fmt.Errorf("confirm: dialog command: %w", err)}
		return
	}

	action := strings.TrimSpace(string(outBytes))
	if !validOption(req.Options, action) {
		out <- response{err: fmt.Errorf("confirm: dialog returned unknown option %q", action)}
		return
	}
	out <- response{action: action, source: domain.SourceDialog}
}

// resolve is a no-op: CommandContext already kills the subprocess when the
// manager cancels the race context.
func (d *dialogChannel) resolve(domain.ConfirmationRequest, domain.ConfirmationResult) {}

func validOption(options []string, action string) bool {
	for _, o := range options {
		if o == action {
			return true
		}
	}
	return false
}
