//go:build linux

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/soloxyq/pyahk/internal/hotkey"
	"github.com/soloxyq/pyahk/internal/logx"
	"github.com/soloxyq/pyahk/internal/macro"
)

type platformBackend struct {
	*hotkey.X11Backend
}

func newPlatformBackend() (*platformBackend, error) {
	b, err := hotkey.NewX11Backend()
	if err != nil {
		return nil, err
	}
	return &platformBackend{b}, nil
}

// watchDebugSignal dumps a status snapshot to the log on SIGUSR1.
func watchDebugSignal(ctrl *macro.Controller) {
	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	go func() {
		for range sigUsr1 {
			d := ctrl.Snapshot()
			logx.Info("keyforge: debug snapshot state=%s processed=%d dropped=%d",
				d.State, d.Stats.ProcessedTotal, d.Stats.Dropped)
		}
	}()
}
