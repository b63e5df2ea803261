package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

type clipboardInjector struct {
	settle time.Duration
}

// New creates a clipboard-based injector
func New() Injector {
	return &clipboardInjector{
		settle: 50 * time.Millisecond,
	}
}

// Copy places text on the system clipboard
func (c *clipboardInjector) Copy(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	return nil
}

// Paste injects text using clipboard + paste shortcut, restoring the
// previous clipboard contents afterwards.
// The shortcut is platform-specific (see paste_darwin.go, paste_linux.go, etc.)
func (c *clipboardInjector) Paste(ctx context.Context, text string) error {
	// Save current clipboard
	oldClip, err := clipboard.ReadAll()
	if err != nil {
		oldClip = "" // If clipboard read fails, proceed anyway
	}

	if err := c.Copy(text); err != nil {
		return err
	}

	// Small delay to ensure clipboard is set
	if err := sleep(ctx, c.settle); err != nil {
		return err
	}

	if err := sendPasteShortcut(ctx); err != nil {
		return fmt.Errorf("failed to send paste shortcut: %w", err)
	}

	// Wait a bit for paste to complete
	if err := sleep(ctx, 2*c.settle); err != nil {
		return err
	}

	// Restore old clipboard (best effort)
	// Check if user hasn't changed it in the meantime
	if currentClip, _ := clipboard.ReadAll(); currentClip == text {
		clipboard.WriteAll(oldClip)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
