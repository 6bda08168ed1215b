// Package confirm prompts a human operator over two channels at once (a
// native dialog subprocess and a Telegram inline keyboard) and takes the
// first response. The losing channel is cancelled: the subprocess is killed,
// the chat message edited to show the resolution.
package confirm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

// response is one channel's answer to a prompt.
type response struct {
	action string
	source domain.ConfirmationSource
	err    error
}

// channel is a single confirmation delivery mechanism.
type channel interface {
	// prompt presents the request and sends exactly one response on out.
	// Cancelling ctx must abandon the prompt.
	prompt(ctx context.Context, req domain.ConfirmationRequest, out chan<- response)
	// resolve tells the channel the race is over so it can clean up its
	// presentation (edit the chat message, etc.).
	resolve(req domain.ConfirmationRequest, res domain.ConfirmationResult)
}

// Manager races the configured channels and applies the timeout and
// dual-error defaults.
type Manager struct {
	channels []channel
	timeout  time.Duration
	logger   *slog.Logger
}

var _ domain.Confirmer = (*Manager)(nil)

// New builds a Manager from config. The Telegram channel is only wired when
// a token and chat id are present; the dialog channel when a command is set.
// telegram may be nil (dialog-only deployments).
func New(cfg config.ConfirmConfig, telegram *TelegramChannel, logger *slog.Logger) *Manager {
	m := &Manager{
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  logger.With(slog.String("component", "confirm")),
	}
	if cfg.DialogCommand != "" {
		m.channels = append(m.channels, newDialogChannel(cfg.DialogCommand, m.logger))
	}
	if telegram != nil {
		m.channels = append(m.channels, telegram)
	}
	return m
}

// Confirm blocks until the first channel answers, the timeout passes, or
// every channel errors. Timeout and dual-error both resolve to the request's
// default option.
func (m *Manager) Confirm(req domain.ConfirmationRequest) domain.ConfirmationResult {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	start := time.Now()
	if len(m.channels) == 0 {
		m.logger.Warn("no confirmation channels configured, taking default",
			slog.String("confirm_id", req.ID),
			slog.String("action", req.DefaultOption),
		)
		return domain.ConfirmationResult{
			Action: req.DefaultOption,
			Source: domain.SourceNone,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := make(chan response, len(m.channels))
	for _, ch := range m.channels {
		go ch.prompt(ctx, req, out)
	}

	res := m.await(ctx, req, out, start)
	cancel()
	for _, ch := range m.channels {
		ch.resolve(req, res)
	}

	m.logger.Info("confirmation resolved",
		slog.String("confirm_id", req.ID),
		slog.String("action", res.Action),
		slog.String("source", string(res.Source)),
		slog.Duration("response_time", res.ResponseTime),
	)
	return res
}

func (m *Manager) await(ctx context.Context, req domain.ConfirmationRequest, out <-chan response, start time.Time) domain.ConfirmationResult {
	errored := 0
	for {
		select {
		case r := <-out:
			if r.err != nil {
				m.logger.Warn("confirmation channel failed",
					slog.String("confirm_id", req.ID),
					slog.String("error", r.err.Error()),
				)
				errored++
				if errored == len(m.channels) {
					return domain.ConfirmationResult{
						Action:       req.DefaultOption,
						Source:       domain.SourceError,
						ResponseTime: time.Since(start),
					}
				}
				continue
			}
			return domain.ConfirmationResult{
				Action:       r.action,
				Source:       r.source,
				ResponseTime: time.Since(start),
			}

		case <-ctx.Done():
			return domain.ConfirmationResult{
				Action:       req.DefaultOption,
				Source:       domain.SourceTimeout,
				ResponseTime: time.Since(start),
			}
		}
	}
}
