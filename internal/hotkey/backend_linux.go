//go:build linux

package hotkey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"
	"github.com/jezek/xgb/xtest"

	"github.com/soloxyq/pyahk/internal/key"
)

// PollRate is the X11 backend's polling frequency in queries per
// second. 120 keeps worst-case edge-detection latency near 8ms,
// comfortably under one executor tick.
const PollRate = 120

// X11Backend polls XQueryKeymap at PollRate and edge-detects per-key
// press/release, in place of a true push-based OS hook (X11 has no
// low-level keyboard hook equivalent to WH_KEYBOARD_LL reachable
// without a privileged grab per key). Registered keys are additionally
// grabbed with XGrabKey so that Intercept/Priority/Block modes stop
// the keystroke from reaching the focused window.
type X11Backend struct {
	conn *xgb.Conn
	root xproto.Window

	mu        sync.Mutex
	grabbed   map[key.Key]xproto.Keycode
	lastState map[key.Key]bool
	injected  map[key.Key]time.Time // keys we just injected; skip the next matching poll edge

	codeOf map[key.Key]xproto.Keycode
	keyOf  map[xproto.Keycode]key.Key
}

// NewX11Backend opens a connection to the X server named by the
// DISPLAY environment variable and initializes the XTEST extension
// used for input synthesis.
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("hotkey: x11 connect: %w", err)
	}
	if err := xtest.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hotkey: xtest init: %w", err)
	}
	setup := xproto.Setup(conn)
	root := setup.DefaultScreen(conn).Root

	b := &X11Backend{
		conn:      conn,
		root:      root,
		grabbed:   make(map[key.Key]xproto.Keycode),
		lastState: make(map[key.Key]bool),
		injected:  make(map[key.Key]time.Time),
	}
	if err := b.buildKeycodeTable(setup); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// buildKeycodeTable loads the keyboard mapping and builds the
// canonical Key <-> Keycode tables the poll loop and injector need.
func (b *X11Backend) buildKeycodeTable(setup *xproto.SetupInfo) error {
	minKC := setup.MinKeycode
	maxKC := setup.MaxKeycode
	reply, err := xproto.GetKeyboardMapping(b.conn, minKC, byte(int(maxKC)-int(minKC)+1)).Reply()
	if err != nil {
		return fmt.Errorf("hotkey: GetKeyboardMapping: %w", err)
	}
	perCode := int(reply.KeysymsPerKeycode)
	b.codeOf = make(map[key.Key]xproto.Keycode)
	b.keyOf = make(map[xproto.Keycode]key.Key)
	for i := 0; int(minKC)+i <= int(maxKC); i++ {
		if i*perCode >= len(reply.Keysyms) {
			break
		}
		sym := reply.Keysyms[i*perCode]
		k, ok := keyFromKeysym(sym)
		if !ok {
			continue
		}
		code := xproto.Keycode(int(minKC) + i)
		b.codeOf[k] = code
		b.keyOf[code] = k
	}
	return nil
}

// Register grabs the key's keycode on the root window for every mode
// except Monitor/Special, which only need to observe, not consume.
func (b *X11Backend) Register(k key.Key, mode Mode) error {
	code, ok := b.codeOf[k]
	if !ok {
		return fmt.Errorf("hotkey: no keycode mapped for %s", k)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode == Monitor || mode == Special {
		delete(b.grabbed, k)
		return nil
	}
	if _, already := b.grabbed[k]; already {
		return nil
	}
	cookie := xproto.GrabKeyChecked(b.conn, true, b.root, xproto.ModMaskAny, code,
		xproto.GrabModeAsync, xproto.GrabModeAsync)
	if err := cookie.Check(); err != nil {
		return fmt.Errorf("hotkey: GrabKey %s: %w", k, err)
	}
	b.grabbed[k] = code
	return nil
}

// Unregister releases a key's grab, if any.
func (b *X11Backend) Unregister(k key.Key) error {
	b.mu.Lock()
	code, ok := b.grabbed[k]
	delete(b.grabbed, k)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return xproto.UngrabKeyChecked(b.conn, code, b.root, xproto.ModMaskAny).Check()
}

// Start begins the poll loop described by PollRate's doc comment and
// returns the channel it streams Events on.
func (b *X11Backend) Start(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(PollRate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.poll(out)
			}
		}
	}()
	return out, nil
}

func (b *X11Backend) poll(out chan<- Event) {
	keymap, err := xproto.QueryKeymap(b.conn).Reply()
	if err != nil {
		return
	}
	b.mu.Lock()
	for k, code := range b.codeOf {
		down := keymap.Keys[code/8]&(1<<(code%8)) != 0
		was := b.lastState[k]
		if down == was {
			continue
		}
		b.lastState[k] = down
		if injectedAt, skip := b.injected[k]; skip && time.Since(injectedAt) < time.Second {
			delete(b.injected, k)
			continue
		}
		select {
		case out <- Event{Key: k, Down: down}:
		default:
		}
	}
	b.mu.Unlock()
}

// KeyDown synthesizes a key-down via XTEST, satisfying
// executor.OSInput. It is also recorded so the next matching poll
// edge is recognized as self-inflicted rather than re-entering the
// hook classification.
func (b *X11Backend) KeyDown(k key.Key) error { return b.fakeInput(k, true) }

// KeyUp synthesizes a key-up via XTEST.
func (b *X11Backend) KeyUp(k key.Key) error { return b.fakeInput(k, false) }

func (b *X11Backend) fakeInput(k key.Key, down bool) error {
	code, ok := b.codeOf[k]
	if !ok {
		return fmt.Errorf("hotkey: no keycode mapped for %s", k)
	}
	kind := byte(xproto.KeyRelease)
	if down {
		kind = byte(xproto.KeyPress)
	}
	b.mu.Lock()
	b.injected[k] = time.Now()
	b.mu.Unlock()
	return xtest.FakeInputChecked(b.conn, kind, byte(code), xproto.TimeCurrentTime, b.root, 0, 0, 0).Check()
}

// Close releases the X server connection.
func (b *X11Backend) Close() { b.conn.Close() }

// keyFromKeysym maps a small set of common X11 keysyms onto the
// core's canonical Key vocabulary. It covers letters, digits, the
// function row, arrows and the modifier/editing keys named in
// internal/key; anything else is left unmapped and therefore
// unreachable through Register.
func keyFromKeysym(sym xproto.Keysym) (key.Key, bool) {
	switch {
	case sym >= 0x0061 && sym <= 0x007a: // a-z
		return key.Key(rune(sym)), true
	case sym >= 0x0030 && sym <= 0x0039: // 0-9
		return key.Key(rune(sym)), true
	case sym >= 0xffbe && sym <= 0xffc9: // F1-F12
		n := int(sym-0xffbe) + 1
		return key.Key(fmt.Sprintf("f%d", n)), true
	}
	switch sym {
	case 0xff51:
		return "left", true
	case 0xff52:
		return "up", true
	case 0xff53:
		return "right", true
	case 0xff54:
		return "down", true
	case 0x0020:
		return key.Space, true
	case 0xff09:
		return key.Tab, true
	case 0xff0d:
		return key.Enter, true
	case 0xff1b:
		return key.Escape, true
	case 0xffe1, 0xffe2:
		return key.Shift, true
	case 0xffe3, 0xffe4:
		return key.Ctrl, true
	case 0xffe9, 0xffea:
		return key.Alt, true
	}
	return "", false
}
