package inject

import "context"

// Injector hands a finished recording's path to whatever the user is
// working in (e.g. a notes app).
type Injector interface {
	Copy(text string) error
	Paste(ctx context.Context, text string) error
}
