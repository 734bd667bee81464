package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/voxgate/internal/config"
)

const defaultCommandTimeout = 10 * time.Second

// CommandHandler returns a handler that runs an operator command with the
// event payload as JSON on stdin. The command line is split on whitespace
// and executed directly, without a shell.
func CommandHandler(entry config.HookEntry) (Handler, error) {
	argv := strings.Fields(entry.Command)
	if len(argv) == 0 {
		return nil, errors.New("hook command is empty")
	}
	timeout := defaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}

	return func(ctx context.Context, p Payload) error {
		body, err := json.Marshal(p)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = bytes.NewReader(body)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
			}
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return nil
	}, nil
}

// RegisterConfigured wires the command hooks from config onto m.
func RegisterConfigured(m *Manager, cfg config.HooksConfig) error {
	groups := map[string][]config.HookEntry{
		EventSessionStart:      cfg.SessionStart,
		EventSessionEnd:        cfg.SessionEnd,
		EventRecordingArchived: cfg.RecordingArchived,
		EventGatewayStart:      cfg.GatewayStart,
		EventGatewayStop:       cfg.GatewayStop,
	}
	for event, entries := range groups {
		for i, entry := range entries {
			h, err := CommandHandler(entry)
			if err != nil {
				return fmt.Errorf("hooks.%s[%d]: %w", event, i, err)
			}
			m.On(event, fmt.Sprintf("config:%s#%d", event, i), h)
		}
	}
	return nil
}
