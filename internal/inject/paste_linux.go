//go:build linux

package inject

import (
	"context"
	"fmt"
	"os/exec"
)

// sendPasteShortcut sends Ctrl+V through xdotool (X11 only)
func sendPasteShortcut(ctx context.Context) error {
	path, err := exec.LookPath("xdotool")
	if err != nil {
		return fmt.Errorf("paste requires xdotool: %w", err)
	}
	out, err := exec.CommandContext(ctx, path, "key", "--clearmodifiers", "ctrl+v").CombinedOutput()
	if err != nil {
		return fmt.Errorf("xdotool: %w: %s", err, out)
	}
	return nil
}
