// Package permissions gates capture and global hotkeys on the platform
// privacy settings.
package permissions

import "errors"

var (
	// ErrMicrophoneDenied means the user has not allowed microphone access.
	ErrMicrophoneDenied = errors.New("microphone permission not granted")
	// ErrAccessibilityDenied means global hotkeys cannot be registered.
	ErrAccessibilityDenied = errors.New("accessibility permission not granted")
)
