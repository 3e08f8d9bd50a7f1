// Package proxy holds the thin integrations with the external reverse proxy:
// command-based config validation and reload, and the upstream weights file
// the proxy includes for weighted routing.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/bluegreen-deploy/agent/internal/envstore"
)

// CommandValidator validates a prospective proxy configuration by running a
// configured shell command. The token "{file}" in the command is replaced
// with the path under validation.
type CommandValidator struct {
	Command string
	Logger  *slog.Logger
}

func (v *CommandValidator) Validate(ctx context.Context, path string) error {
	cmd := strings.ReplaceAll(v.Command, "{file}", path)
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return fmt.Errorf("proxy validation %q: %w: %s", cmd, err, strings.TrimSpace(string(out)))
	}
	if v.Logger != nil {
		v.Logger.Debug("proxy config validated", "command", cmd)
	}
	return nil
}

// CommandReloader applies the live configuration by running the configured
// reload command (e.g. "nginx -s reload"), which the proxy performs without
// dropping in-flight connections.
type CommandReloader struct {
	Command string
	Logger  *slog.Logger
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "sh", "-c", r.Command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("proxy reload %q: %w: %s", r.Command, err, strings.TrimSpace(string(out)))
	}
	if r.Logger != nil {
		r.Logger.Debug("proxy reloaded", "command", r.Command)
	}
	return nil
}

// FileWeighter implements traffic weighting by rewriting the upstream weights
// include and reloading the proxy. A zero-weight server is written with the
// "down" marker, since the proxy rejects weight=0.
type FileWeighter struct {
	Path     string
	PortFor  func(env envstore.Environment) int
	Reloader interface {
		Reload(ctx context.Context) error
	}
	Logger *slog.Logger
}

func (w *FileWeighter) SetWeights(ctx context.Context, target envstore.Environment, targetPercent int, active envstore.Environment, activePercent int) error {
	content := w.serverLine(target, targetPercent) + w.serverLine(active, activePercent)

	tmp := w.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write weights temp: %w", err)
	}
	if err := os.Rename(tmp, w.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace weights file: %w", err)
	}

	if err := w.Reloader.Reload(ctx); err != nil {
		return fmt.Errorf("reload after weights update: %w", err)
	}
	if w.Logger != nil {
		w.Logger.Debug("upstream weights written",
			"target", target, "target_percent", targetPercent,
			"active", active, "active_percent", activePercent)
	}
	return nil
}

func (w *FileWeighter) serverLine(env envstore.Environment, percent int) string {
	if percent <= 0 {
		return fmt.Sprintf("server 127.0.0.1:%d down;\n", w.PortFor(env))
	}
	return fmt.Sprintf("server 127.0.0.1:%d weight=%d;\n", w.PortFor(env), percent)
}
