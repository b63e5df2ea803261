//go:build darwin

package hotkey

/*
#cgo LDFLAGS: -framework Carbon
#include <Carbon/Carbon.h>

// Forward declaration for Go callback
extern void goHotkeyCallback(int id, int pressed);

static EventHandlerRef handlerRef = NULL;

// Event handler for hotkeys
static OSStatus hotkeyHandler(EventHandlerCallRef nextHandler, EventRef theEvent, void* userData) {
    EventHotKeyID hkRef;
    GetEventParameter(theEvent, kEventParamDirectObject, typeEventHotKeyID, NULL, sizeof(hkRef), NULL, &hkRef);

    UInt32 eventKind = GetEventKind(theEvent);
    int pressed = (eventKind == kEventHotKeyPressed) ? 1 : 0;

    goHotkeyCallback((int)hkRef.id, pressed);

    return noErr;
}

static void installHandler() {
    if (handlerRef != NULL) return;

    EventTypeSpec eventTypes[2];
    eventTypes[0].eventClass = kEventClassKeyboard;
    eventTypes[0].eventKind = kEventHotKeyPressed;
    eventTypes[1].eventClass = kEventClassKeyboard;
    eventTypes[1].eventKind = kEventHotKeyReleased;

    EventHandlerUPP handlerUPP = NewEventHandlerUPP(hotkeyHandler);
    InstallApplicationEventHandler(handlerUPP, 2, eventTypes, NULL, &handlerRef);
}

// Register hotkey with Carbon
static EventHotKeyRef registerHotkey(UInt32 keyCode, UInt32 modifiers, UInt32 id) {
    installHandler();

    EventHotKeyRef hotKeyRef = NULL;
    EventHotKeyID hotKeyID;
    hotKeyID.signature = 'rtk1';
    hotKeyID.id = id;

    OSStatus status = RegisterEventHotKey(keyCode, modifiers, hotKeyID, GetApplicationEventTarget(), 0, &hotKeyRef);
    if (status != noErr) return NULL;
    return hotKeyRef;
}

static void unregisterHotkey(EventHotKeyRef ref) {
    if (ref != NULL) UnregisterEventHotKey(ref);
}
*/
import "C"

import (
	"fmt"
	"sync"
)

type darwinHotkey struct {
	ref      C.EventHotKeyRef
	callback func(bool)
}

type darwinManager struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]*darwinHotkey
	accels map[string]int
}

var (
	globalMu      sync.Mutex
	globalManager *darwinManager
)

// New creates a new macOS hotkey manager using Carbon
func New() (Manager, error) {
	mgr := &darwinManager{
		byID:   make(map[int]*darwinHotkey),
		accels: make(map[string]int),
	}

	globalMu.Lock()
	globalManager = mgr
	globalMu.Unlock()

	return mgr, nil
}

//export goHotkeyCallback
func goHotkeyCallback(id C.int, pressed C.int) {
	globalMu.Lock()
	m := globalManager
	globalMu.Unlock()
	if m == nil {
		return
	}

	m.mu.Lock()
	hk := m.byID[int(id)]
	m.mu.Unlock()

	if hk != nil && hk.callback != nil {
		hk.callback(pressed == 1)
	}
}

// Carbon modifier masks.
func carbonModifiers(m Modifier) C.UInt32 {
	var mask C.UInt32
	if m&ModSuper != 0 {
		mask |= 0x100 // cmdKey
	}
	if m&ModShift != 0 {
		mask |= 0x200 // shiftKey
	}
	if m&ModAlt != 0 {
		mask |= 0x800 // optionKey
	}
	if m&ModCtrl != 0 {
		mask |= 0x1000 // controlKey
	}
	return mask
}

// ANSI virtual key codes from HIToolbox/Events.h.
var carbonKeyCodes = map[string]C.UInt32{
	"a": 0x00, "s": 0x01, "d": 0x02, "f": 0x03, "h": 0x04, "g": 0x05,
	"z": 0x06, "x": 0x07, "c": 0x08, "v": 0x09, "b": 0x0B, "q": 0x0C,
	"w": 0x0D, "e": 0x0E, "r": 0x0F, "y": 0x10, "t": 0x11, "1": 0x12,
	"2": 0x13, "3": 0x14, "4": 0x15, "6": 0x16, "5": 0x17, "9": 0x19,
	"7": 0x1A, "8": 0x1C, "0": 0x1D, "o": 0x1F, "u": 0x20, "i": 0x22,
	"p": 0x23, "l": 0x25, "j": 0x26, "k": 0x28, "n": 0x2D, "m": 0x2E,
	"return": 0x24, "enter": 0x24, "tab": 0x30, "space": 0x31,
	"escape": 0x35, "esc": 0x35,
	"f1": 0x7A, "f2": 0x78, "f3": 0x63, "f4": 0x76, "f5": 0x60, "f6": 0x61,
	"f7": 0x62, "f8": 0x64, "f9": 0x65, "f10": 0x6D, "f11": 0x67, "f12": 0x6F,
}

func (m *darwinManager) Register(accel string, callback func(pressed bool)) error {
	a, err := ParseAccelerator(accel)
	if err != nil {
		return err
	}
	keyCode, ok := carbonKeyCodes[a.Key]
	if !ok {
		return fmt.Errorf("%w: unsupported key %q", ErrInvalidAccelerator, a.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID

	ref := C.registerHotkey(keyCode, carbonModifiers(a.Mods), C.UInt32(id))
	if ref == nil {
		return fmt.Errorf("failed to register hotkey %s", a)
	}

	m.byID[id] = &darwinHotkey{ref: ref, callback: callback}
	m.accels[accel] = id
	return nil
}

func (m *darwinManager) Unregister(accel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.accels[accel]
	if !ok {
		return nil
	}
	C.unregisterHotkey(m.byID[id].ref)
	delete(m.byID, id)
	delete(m.accels, accel)
	return nil
}

func (m *darwinManager) Close() error {
	m.mu.Lock()
	for accel, id := range m.accels {
		C.unregisterHotkey(m.byID[id].ref)
		delete(m.byID, id)
		delete(m.accels, accel)
	}
	m.mu.Unlock()

	globalMu.Lock()
	if globalManager == m {
		globalManager = nil
	}
	globalMu.Unlock()
	return nil
}
