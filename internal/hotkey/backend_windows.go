//go:build windows

package hotkey

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/soloxyq/pyahk/internal/key"
)

// Windows low-level keyboard hook constants.
const (
	whKeyboardLL  = 13
	wmKeyDown     = 0x0100
	wmKeyUp       = 0x0101
	wmSysKeyDown  = 0x0104
	wmSysKeyUp    = 0x0105
	wmQuit        = 0x0012
	llkhfInjected = 0x10
	hcAction      = 0
)

// injectedMarker tags dwExtraInfo on every key this backend
// synthesizes via SendInput, so the hook callback recognizes and
// skips its own output without needing a separate side channel.
const injectedMarker = uintptr(0x4b455946) // "KEYF"

type kbdllhookstruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type keyboardInput struct {
	VkCode      uint16
	ScanCode    uint16
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

// input mirrors Windows' tagINPUT for type=INPUT_KEYBOARD (1); the
// padding matches the union's size on amd64.
type input struct {
	Type uint32
	Ki   keyboardInput
	_    [8]byte
}

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	kernel32                = windows.NewLazySystemDLL("kernel32.dll")
	procSetWindowsHookEx    = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetModuleHandle     = kernel32.NewProc("GetModuleHandleW")
	procSendInput           = user32.NewProc("SendInput")
	procVkKeyScan           = user32.NewProc("VkKeyScanW")
	procGetMessage          = user32.NewProc("GetMessageW")
	procPostThreadMessage   = user32.NewProc("PostThreadMessageW")
)

// vkTable maps the core's canonical Key vocabulary onto Windows
// virtual-key codes for the keys internal/key enumerates as known.
var vkTable = map[key.Key]uint16{
	key.Space: 0x20, key.Tab: 0x09, key.Enter: 0x0D, key.Escape: 0x1B,
	key.Shift: 0x10, key.Ctrl: 0x11, key.Alt: 0x12,
	"up": 0x26, "down": 0x28, "left": 0x25, "right": 0x27,
}

func vkOf(k key.Key) (uint16, bool) {
	if vk, ok := vkTable[k]; ok {
		return vk, true
	}
	s := string(k)
	if len(s) == 1 {
		r, _, _ := procVkKeyScan.Call(uintptr(s[0]))
		if r != 0xFFFF {
			return uint16(r) & 0xFF, true
		}
	}
	if len(s) >= 2 && s[0] == 'f' {
		// f1..f12 -> VK_F1(0x70)..VK_F12(0x7B)
		n := 0
		for _, c := range s[1:] {
			if c < '0' || c > '9' {
				return 0, false
			}
			n = n*10 + int(c-'0')
		}
		if n >= 1 && n <= 12 {
			return uint16(0x70 + n - 1), true
		}
	}
	return 0, false
}

func vkToKey(vk uint16) (key.Key, bool) {
	for k, v := range vkTable {
		if v == vk {
			return k, true
		}
	}
	if vk >= 'A' && vk <= 'Z' {
		return key.Key(rune(vk - 'A' + 'a')), true
	}
	if vk >= '0' && vk <= '9' {
		return key.Key(rune(vk)), true
	}
	if vk >= 0x70 && vk <= 0x7B {
		return key.Key(fmt.Sprintf("f%d", vk-0x70+1)), true
	}
	return "", false
}

// WinHookBackend is the WH_KEYBOARD_LL-based Backend/OSInput
// implementation.
type WinHookBackend struct {
	hookID   uintptr
	hookProc uintptr

	mu       sync.Mutex
	regs     map[key.Key]Mode
	lastDown map[key.Key]bool

	out chan Event
}

// NewWinHookBackend constructs an unstarted backend.
func NewWinHookBackend() *WinHookBackend {
	return &WinHookBackend{
		regs:     make(map[key.Key]Mode),
		lastDown: make(map[key.Key]bool),
	}
}

func (b *WinHookBackend) Register(k key.Key, mode Mode) error {
	if _, ok := vkOf(k); !ok {
		return fmt.Errorf("hotkey: no virtual-key mapped for %s", k)
	}
	b.mu.Lock()
	b.regs[k] = mode
	b.mu.Unlock()
	return nil
}

func (b *WinHookBackend) Unregister(k key.Key) error {
	b.mu.Lock()
	delete(b.regs, k)
	delete(b.lastDown, k)
	b.mu.Unlock()
	return nil
}

// msg mirrors Windows' tagMSG for the hook thread's message pump.
type msg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

// Start installs the low-level hook on a dedicated OS thread and pumps
// messages there: WH_KEYBOARD_LL callbacks are only delivered to the
// thread that installed the hook, and only while it services a message
// loop. Cancellation posts WM_QUIT to that thread.
func (b *WinHookBackend) Start(ctx context.Context) (<-chan Event, error) {
	b.out = make(chan Event, 64)
	b.hookProc = windows.NewCallback(b.callback)

	installed := make(chan error, 1)
	tidCh := make(chan uint32, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		hMod, _, _ := procGetModuleHandle.Call(0)
		hookID, _, callErr := procSetWindowsHookEx.Call(whKeyboardLL, b.hookProc, hMod, 0)
		if hookID == 0 {
			installed <- fmt.Errorf("hotkey: SetWindowsHookExW: %w", callErr)
			return
		}
		b.hookID = hookID
		tidCh <- windows.GetCurrentThreadId()
		installed <- nil

		var m msg
		for {
			ret, _, _ := procGetMessage.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(ret) <= 0 {
				break
			}
		}
		procUnhookWindowsHookEx.Call(b.hookID)
		close(b.out)
	}()

	if err := <-installed; err != nil {
		return nil, err
	}
	tid := <-tidCh
	go func() {
		<-ctx.Done()
		procPostThreadMessage.Call(uintptr(tid), wmQuit, 0, 0)
	}()
	return b.out, nil
}

// callback is the low-level keyboard procedure. It must return
// quickly: the OS enforces a latency budget of a few ms per hook, so
// it never blocks on anything beyond the registration mutex.
func (b *WinHookBackend) callback(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode >= hcAction {
		hook := (*kbdllhookstruct)(unsafe.Pointer(lParam))
		down := wParam == wmKeyDown || wParam == wmSysKeyDown
		up := wParam == wmKeyUp || wParam == wmSysKeyUp
		if down || up {
			injected := hook.DwExtraInfo == injectedMarker || hook.Flags&llkhfInjected != 0
			if k, ok := vkToKey(uint16(hook.VkCode)); ok {
				b.mu.Lock()
				mode, known := b.regs[k]
				b.mu.Unlock()
				if known {
					ev := Event{Key: k, Down: down, Injected: injected}
					select {
					case b.out <- ev:
					default:
					}
					consumes := mode == Intercept || mode == Priority || mode == Block
					if !injected && consumes {
						return 1 // swallow: never reaches the rest of the hook chain
					}
				}
			}
		}
	}
	ret, _, _ := procCallNextHookEx.Call(0, uintptr(nCode), wParam, lParam)
	return ret
}

// KeyDown synthesizes a key-down via SendInput, tagged with
// injectedMarker so the hook callback recognizes it as our own.
func (b *WinHookBackend) KeyDown(k key.Key) error { return b.send(k, false) }

// KeyUp synthesizes a key-up via SendInput.
func (b *WinHookBackend) KeyUp(k key.Key) error { return b.send(k, true) }

const (
	inputKeyboard  = 1
	keyEventFKeyUp = 0x0002
)

func (b *WinHookBackend) send(k key.Key, up bool) error {
	vk, ok := vkOf(k)
	if !ok {
		return fmt.Errorf("hotkey: no virtual-key mapped for %s", k)
	}
	var flags uint32
	if up {
		flags = keyEventFKeyUp
	}
	in := input{
		Type: inputKeyboard,
		Ki: keyboardInput{
			VkCode:      vk,
			Flags:       flags,
			DwExtraInfo: injectedMarker,
		},
	}
	ret, _, callErr := procSendInput.Call(1, uintptr(unsafe.Pointer(&in)), unsafe.Sizeof(in))
	if ret == 0 {
		return fmt.Errorf("hotkey: SendInput: %w", callErr)
	}
	return nil
}
