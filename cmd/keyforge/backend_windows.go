//go:build windows

package main

import (
	"github.com/soloxyq/pyahk/internal/hotkey"
	"github.com/soloxyq/pyahk/internal/macro"
)

type platformBackend struct {
	*hotkey.WinHookBackend
}

func newPlatformBackend() (*platformBackend, error) {
	return &platformBackend{hotkey.NewWinHookBackend()}, nil
}

// watchDebugSignal is a no-op: there is no SIGUSR1 equivalent here,
// and the status view already surfaces the same counters.
func watchDebugSignal(*macro.Controller) {}
