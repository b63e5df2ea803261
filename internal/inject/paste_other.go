//go:build !darwin && !linux && !windows

package inject

import (
	"context"
	"fmt"
)

func sendPasteShortcut(ctx context.Context) error {
	return fmt.Errorf("paste not supported on this platform")
}
