//go:build linux

package hotkey

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/keysym.h>
#include <X11/extensions/XTest.h>
#include <stdlib.h>

Display* displayPtr = NULL;

static int openDisplay() {
    if (displayPtr == NULL) {
        displayPtr = XOpenDisplay(NULL);
    }
    return displayPtr != NULL;
}

static int keycodeFor(const char* name) {
    if (!openDisplay()) return 0;
    KeySym sym = XStringToKeysym(name);
    if (sym == NoSymbol) return 0;
    return XKeysymToKeycode(displayPtr, sym);
}

int grabKey(int keycode, int modifiers) {
    if (!openDisplay()) return 0;

    Window root = DefaultRootWindow(displayPtr);
    XGrabKey(displayPtr, keycode, modifiers, root, False, GrabModeAsync, GrabModeAsync);
    XSelectInput(displayPtr, root, KeyPressMask | KeyReleaseMask);
    XSync(displayPtr, False);

    return 1;
}

void ungrabKey(int keycode, int modifiers) {
    if (displayPtr == NULL) return;
    XUngrabKey(displayPtr, keycode, modifiers, DefaultRootWindow(displayPtr));
    XSync(displayPtr, False);
}

int checkEvent(int* keycode, int* pressed) {
    if (displayPtr == NULL) return 0;

    XEvent event;
    if (XPending(displayPtr) > 0) {
        XNextEvent(displayPtr, &event);
        if (event.type == KeyPress || event.type == KeyRelease) {
            *keycode = event.xkey.keycode;
            *pressed = (event.type == KeyPress) ? 1 : 0;
            return 1;
        }
    }
    return 0;
}
*/
import "C"

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"
)

type grab struct {
	keycode   int
	modifiers int
}

type linuxManager struct {
	mu        sync.Mutex
	grabs     map[string]grab
	callbacks map[int]func(bool)
	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a new Linux hotkey manager using X11
func New() (Manager, error) {
	mgr := &linuxManager{
		grabs:     make(map[string]grab),
		callbacks: make(map[int]func(bool)),
		stop:      make(chan struct{}),
	}

	go mgr.eventLoop()

	return mgr, nil
}

// x11Modifiers maps modifiers onto the X11 state masks.
func x11Modifiers(m Modifier) int {
	var mask int
	if m&ModShift != 0 {
		mask |= 1 // ShiftMask
	}
	if m&ModCtrl != 0 {
		mask |= 4 // ControlMask
	}
	if m&ModAlt != 0 {
		mask |= 8 // Mod1Mask
	}
	if m&ModSuper != 0 {
		mask |= 64 // Mod4Mask
	}
	return mask
}

// x11KeyName converts a parsed key to an X keysym name.
func x11KeyName(key string) string {
	if len(key) > 1 && key[0] == 'f' && strings.Trim(key[1:], "0123456789") == "" {
		return "F" + key[1:]
	}
	switch key {
	case "enter", "return":
		return "Return"
	case "esc", "escape":
		return "Escape"
	case "tab":
		return "Tab"
	}
	return key
}

func (m *linuxManager) Register(accel string, callback func(pressed bool)) error {
	a, err := ParseAccelerator(accel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name := C.CString(x11KeyName(a.Key))
	defer C.free(unsafe.Pointer(name))

	keycode := int(C.keycodeFor(name))
	if keycode == 0 {
		return fmt.Errorf("no keycode for %q", a.Key)
	}
	modifiers := x11Modifiers(a.Mods)

	if C.grabKey(C.int(keycode), C.int(modifiers)) == 0 {
		return fmt.Errorf("failed to grab key %s", a)
	}

	m.grabs[accel] = grab{keycode: keycode, modifiers: modifiers}
	m.callbacks[keycode] = callback
	return nil
}

func (m *linuxManager) eventLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			var keycode, pressed C.int
			m.mu.Lock()
			got := C.checkEvent(&keycode, &pressed) != 0
			cb := m.callbacks[int(keycode)]
			m.mu.Unlock()

			if got && cb != nil {
				cb(pressed == 1)
			}
		}
	}
}

func (m *linuxManager) Unregister(accel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grabs[accel]
	if !ok {
		return nil
	}
	C.ungrabKey(C.int(g.keycode), C.int(g.modifiers))
	delete(m.grabs, accel)
	delete(m.callbacks, g.keycode)
	return nil
}

func (m *linuxManager) Close() error {
	m.mu.Lock()
	accels := make([]string, 0, len(m.grabs))
	for accel := range m.grabs {
		accels = append(accels, accel)
	}
	m.mu.Unlock()

	for _, accel := range accels {
		m.Unregister(accel)
	}
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}
