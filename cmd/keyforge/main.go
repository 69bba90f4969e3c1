// Command keyforge wires the core components into a runnable process:
// it loads a configuration snapshot, starts the executor, scheduler
// and hook loops, installs the platform hotkey backend, and drives a
// read-only terminal status view while the lifecycle hotkey toggles
// start/stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/soloxyq/pyahk/internal/bus"
	"github.com/soloxyq/pyahk/internal/cfg"
	"github.com/soloxyq/pyahk/internal/clock"
	"github.com/soloxyq/pyahk/internal/executor"
	"github.com/soloxyq/pyahk/internal/hotkey"
	"github.com/soloxyq/pyahk/internal/key"
	"github.com/soloxyq/pyahk/internal/logx"
	"github.com/soloxyq/pyahk/internal/macro"
	"github.com/soloxyq/pyahk/internal/scheduler"
)

// lifecycleKey is the system hotkey reserved for start/stop regardless
// of user configuration; runPauseKey toggles Running/Paused while a
// session is active.
const (
	lifecycleKey = key.Key("f8")
	runPauseKey  = key.Key("z")
)

func main() {
	os.Exit(run())
}

func run() int {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		fmt.Println("Failed to get log path:", err)
		return 1
	}
	logPath := cacheDir + "/keyforge.log"
	logHandle, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		fmt.Println("Failed to open log file:", err)
		return 1
	}
	defer logHandle.Close()
	logx.SetWriter(logHandle)

	configPath := "keyforge.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	var snap *cfg.Snapshot
	if _, statErr := os.Stat(configPath); statErr == nil {
		snap, err = cfg.Load(configPath)
		if err != nil {
			fmt.Println("Failed to load configuration:", err)
			return 1
		}
	} else {
		logx.Warn("keyforge: no configuration at %s, starting unconfigured", configPath)
		snap = &cfg.Snapshot{}
	}

	backend, err := newPlatformBackend()
	if err != nil {
		fmt.Println("Failed to start hotkey backend:", err)
		return int(macro.CodeHookFailed)
	}

	if snap.SendMode == cfg.SendControl {
		logx.Warn("keyforge: control send mode is not supported by this backend; delivering direct")
	}

	clk := clock.New()
	evb := bus.New()
	// Lifecycle and configuration events are serialized on per-topic
	// coordinator goroutines so handlers observe one delivery order no
	// matter which thread published; hook-driven topics stay synchronous.
	evb.Bridge("state:changed")
	evb.Bridge("state:rejected")
	evb.Bridge("config:applied")
	exec := executor.New(clk, evb, backend, executor.DefaultTick)
	sched := scheduler.New(clk, evb)
	hooks := hotkey.New(evb, exec, backend)
	ctrl := macro.New(evb, exec, sched, hooks, lifecycleKey)
	ctrl.ApplySnapshot(snap)
	wireSkills(sched, exec, snap)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.Start(ctx)
	if err := hooks.RegisterSystem(runPauseKey); err != nil {
		logx.Warn("keyforge: register run/pause key %s: %v", runPauseKey, err)
	}
	wireLifecycleKey(evb, ctrl)

	watchDebugSignal(ctrl)

	logx.Info("keyforge: started, lifecycle key=%s", lifecycleKey)
	p := tea.NewProgram(newStatusModel(ctrl))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, tuiErr := p.Run()
	stop()
	ctrl.Wait()
	if tuiErr != nil {
		fmt.Println("TUI error:", tuiErr)
		return 1
	}
	return 0
}

// wireSkills registers every configured skill that has a positive
// interval_ms as a periodic scheduler task that enqueues its
// key-or-sequence on the executor at the skill's configured priority;
// skills without one are skipped. Cooldown/hold detection parameters
// belong to the decision layer; keyforge's built-in wiring only
// supports the timer trigger directly and treats any other trigger
// mode as timer-equivalent using interval_ms, logging that it is
// doing so.
func wireSkills(sched *scheduler.Scheduler, exec *executor.Executor, snap *cfg.Snapshot) {
	for _, skill := range snap.Skills {
		skill := skill
		if skill.Trigger != cfg.TriggerTimer {
			logx.Warn("keyforge: skill %s uses trigger %q, no decision layer wired; treating as timer", skill.ID, skill.Trigger)
		}
		interval := time.Duration(skill.IntervalMs) * time.Millisecond
		if interval <= 0 {
			continue
		}
		prio := executor.Priority(skill.Priority)
		if prio < executor.Emergency || prio > executor.Low {
			prio = executor.Normal
		}
		steps := make([]executor.Action, 0, len(skill.KeyOrSequence))
		for _, name := range skill.KeyOrSequence {
			steps = append(steps, executor.Press(key.Canon(name)))
		}
		var action executor.Action
		if len(steps) == 1 {
			action = steps[0]
		} else {
			action = executor.Sequence(steps...)
		}
		sched.Add(skill.ID, interval, func() {
			exec.Enqueue(prio, action)
		}, false)
	}
}

// wireLifecycleKey subscribes to the system hotkey topics and drives
// the Stopped/Ready/Running/Paused cycle: the lifecycle key starts the
// macro (Stopped->Ready->Running) if idle and stops it otherwise; the
// run/pause key toggles between Running and Paused while active.
func wireLifecycleKey(b *bus.Bus, ctrl *macro.Controller) {
	b.Subscribe("hotkey:"+string(lifecycleKey), func(any) {
		switch ctrl.State() {
		case macro.Stopped:
			if err := ctrl.Transition(macro.Ready); err != nil {
				logx.Error("keyforge: %v", err)
				return
			}
			if err := ctrl.Transition(macro.Running); err != nil {
				logx.Error("keyforge: %v", err)
			}
		default:
			if err := ctrl.Transition(macro.Stopped); err != nil {
				logx.Error("keyforge: %v", err)
			}
		}
	})
	b.Subscribe("hotkey:"+string(runPauseKey), func(any) {
		var err error
		switch ctrl.State() {
		case macro.Running:
			err = ctrl.Transition(macro.Paused)
		case macro.Paused:
			err = ctrl.Transition(macro.Running)
		default:
			return
		}
		if err != nil {
			logx.Error("keyforge: %v", err)
		}
	})
}

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// statusModel is a read-only bubbletea status view: macro state and
// processed/dropped counters, refreshed on a fixed tick.
type statusModel struct {
	ctrl *macro.Controller
	snap macro.Debug
}

func newStatusModel(ctrl *macro.Controller) statusModel {
	return statusModel{ctrl: ctrl, snap: ctrl.Snapshot()}
}

type tickMsg time.Time

func tickEvery() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m statusModel) Init() tea.Cmd { return tickEvery() }

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.ctrl.Snapshot()
		return m, tickEvery()
	}
	return m, nil
}

func (m statusModel) View() string {
	s := m.snap
	return fmt.Sprintf(
		"%s\n%s %s\n%s %d processed, %d dropped\n\n%s\n",
		styleTitle.Render("keyforge"),
		styleLabel.Render("state:"), s.State,
		styleLabel.Render("executor:"), s.Stats.ProcessedTotal, s.Stats.Dropped,
		styleLabel.Render("press f8 to start/stop, q to quit"),
	)
}
