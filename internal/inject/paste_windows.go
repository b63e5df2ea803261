//go:build windows

package inject

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	inputKeyboard  = 1
	keyEventKeyUp  = 0x0002
	virtualControl = 0x11
	virtualV       = 0x56
)

var procSendInput = windows.NewLazySystemDLL("user32.dll").NewProc("SendInput")

// keyboardInput mirrors KEYBDINPUT.
type keyboardInput struct {
	vk    uint16
	scan  uint16
	flags uint32
	time  uint32
	extra uintptr
}

// input mirrors INPUT; the padding covers the larger MOUSEINPUT union member.
type input struct {
	typ uint32
	ki  keyboardInput
	_   [8]byte
}

// pasteSequence returns Ctrl down, V down, V up, Ctrl up.
func pasteSequence() []input {
	key := func(vk uint16, flags uint32) input {
		return input{typ: inputKeyboard, ki: keyboardInput{vk: vk, flags: flags}}
	}
	return []input{
		key(virtualControl, 0),
		key(virtualV, 0),
		key(virtualV, keyEventKeyUp),
		key(virtualControl, keyEventKeyUp),
	}
}

// sendPasteShortcut sends Ctrl+V through SendInput
func sendPasteShortcut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inputs := pasteSequence()
	n, _, err := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(n) != len(inputs) {
		return fmt.Errorf("SendInput injected %d of %d events: %w", n, len(inputs), err)
	}
	return nil
}
