package hotkey

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAccelerator is returned for a hotkey string that cannot be parsed.
var ErrInvalidAccelerator = errors.New("invalid hotkey accelerator")

// Manager defines the interface for global hotkey management
type Manager interface {
	Register(accel string, callback func(pressed bool)) error
	Unregister(accel string) error
	Close() error
}

// Modifier is a bit set of held modifier keys.
type Modifier uint8

const (
	ModCtrl Modifier = 1 << iota
	ModAlt
	ModShift
	ModSuper
)

// Accelerator is a parsed hotkey such as "Ctrl+Alt+R".
type Accelerator struct {
	Mods Modifier
	// Key is the lower-cased key name: a letter, a digit, "space", "f1".."f12", ...
	Key string
}

func (a Accelerator) String() string {
	var parts []string
	for _, m := range []struct {
		mod  Modifier
		name string
	}{{ModCtrl, "Ctrl"}, {ModAlt, "Alt"}, {ModShift, "Shift"}, {ModSuper, "Super"}} {
		if a.Mods&m.mod != 0 {
			parts = append(parts, m.name)
		}
	}
	return strings.Join(append(parts, a.Key), "+")
}

// ParseAccelerator parses strings like "Alt+Space" or "Cmd+Shift+R".
// Modifier names are case-insensitive; "Cmd", "Command", "Meta" and "Win"
// are aliases for Super, "Option" for Alt.
func ParseAccelerator(accel string) (Accelerator, error) {
	var a Accelerator

	fields := strings.Split(accel, "+")
	for i, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f))
		if name == "" {
			return Accelerator{}, fmt.Errorf("%w: %q", ErrInvalidAccelerator, accel)
		}

		if i == len(fields)-1 {
			if _, isMod := modifierNames[name]; isMod {
				return Accelerator{}, fmt.Errorf("%w: %q has no key", ErrInvalidAccelerator, accel)
			}
			a.Key = name
			break
		}

		mod, ok := modifierNames[name]
		if !ok {
			return Accelerator{}, fmt.Errorf("%w: unknown modifier %q", ErrInvalidAccelerator, f)
		}
		a.Mods |= mod
	}

	return a, nil
}

var modifierNames = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"shift":   ModShift,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"command": ModSuper,
	"meta":    ModSuper,
	"win":     ModSuper,
}
