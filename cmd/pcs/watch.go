// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/printwire/pcs/internal/proto"
)

// pushMsg wraps one subscribePush frame as a bubbletea message. The
// wire struct itself lives in internal/processor (unexported), so the
// dashboard reads the same three fields directly off the frame rather
// than importing it.
type pushMsg struct {
	full     bool
	sequence uint64
	data     json.RawMessage
	at       time.Time
}

type watchErrMsg struct{ err error }

type dashboard struct {
	pushes   chan pushMsg
	errs     chan error
	sequence uint64
	lastFull bool
	lastAt   time.Time
	keyCount int
	err      error
}

func newDashboard(pushes chan pushMsg, errs chan error) *dashboard {
	return &dashboard{pushes: pushes, errs: errs}
}

func (d *dashboard) Init() tea.Cmd {
	return d.waitForActivity()
}

// waitForActivity blocks on whichever channel produces next, the
// standard bubbletea pattern for bridging a blocking I/O loop
// (here, the subscribe push/ack cycle over the daemon socket) into the
// Update loop's message stream.
func (d *dashboard) waitForActivity() tea.Cmd {
	return func() tea.Msg {
		select {
		case push := <-d.pushes:
			return push
		case err := <-d.errs:
			return watchErrMsg{err: err}
		}
	}
}

func (d *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case pushMsg:
		d.sequence = m.sequence
		d.lastFull = m.full
		d.lastAt = m.at
		var tree map[string]json.RawMessage
		if json.Unmarshal(m.data, &tree) == nil {
			d.keyCount = len(tree)
		}
		return d, d.waitForActivity()
	case watchErrMsg:
		d.err = m.err
		return d, tea.Quit
	case tea.KeyMsg:
		if m.String() == "q" || m.String() == "ctrl+c" || m.String() == "esc" {
			return d, tea.Quit
		}
	}
	return d, nil
}

// watchRenderer forces an explicit color profile the way
// lib/ticketui/markdown.go does for its own lipgloss output: auto-
// detection falls back to uncolored text whenever stdout isn't a TTY
// (a plain pipe, a CI log), which this dashboard should still color.
var watchRenderer = lipgloss.NewRenderer(os.Stdout, termenv.WithProfile(termenv.ANSI256))

var (
	watchTitleStyle = watchRenderer.NewStyle().Bold(true)
	watchFaintStyle = watchRenderer.NewStyle().Faint(true)
)

// terminalWidth reports the current stdout width, falling back to 80
// columns when stdout isn't a terminal (e.g. piped into a file).
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func (d *dashboard) View() string {
	if d.err != nil {
		return fmt.Sprintf("connection lost: %v\n", d.err)
	}
	kind := "patch"
	if d.lastFull {
		kind = "full snapshot"
	}
	age := "never"
	if !d.lastAt.IsZero() {
		age = humanize.Time(d.lastAt)
	}
	body := fmt.Sprintf(
		"%s\n\nsequence   %d\nlast frame %s (%s)\nmodel keys %d\n\n%s\n",
		watchTitleStyle.Render("pcs watch — live object model"),
		d.sequence, kind, age, d.keyCount,
		watchFaintStyle.Render("press q to quit"),
	)
	return lipgloss.NewStyle().MaxWidth(terminalWidth()).Render(body)
}

// runWatch connects in Subscribe mode and drives a small bubbletea
// dashboard off the push/ack stream (spec §4.5, SPEC_FULL.md §12 "a
// watch command (Subscribe mode, bubbletea dashboard)").
func runWatch(args []string) error {
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	patch := flagSet.Bool("patch", false, "receive merge patches instead of full snapshots after the first frame")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	mode := proto.SubscribeModeFull
	if *patch {
		mode = proto.SubscribeModePatch
	}

	wc, err := dial(*socketPath, proto.ClientHello{
		Mode:             proto.ModeSubscribe,
		SubscribeOptions: &proto.SubscribeOptions{Mode: mode},
	})
	if err != nil {
		return err
	}
	defer wc.Close()

	pushes := make(chan pushMsg, 1)
	errs := make(chan error, 1)
	go pumpSubscription(wc, pushes, errs)

	_, err = tea.NewProgram(newDashboard(pushes, errs)).Run()
	return err
}

// pumpSubscription reads push frames and writes acks, the client half
// of RunSubscribe's push/ack loop (internal/processor/subscribe.go).
func pumpSubscription(wc *wireConn, pushes chan<- pushMsg, errs chan<- error) {
	for {
		var push struct {
			Full     bool            `json:"full"`
			Sequence uint64          `json:"sequence"`
			Data     json.RawMessage `json:"data"`
		}
		if err := wc.reader.ReadInto(&push); err != nil {
			errs <- err
			return
		}
		pushes <- pushMsg{full: push.Full, sequence: push.Sequence, data: push.Data, at: pumpNow()}

		if err := wc.writer.Write(struct {
			Ack bool `json:"ack"`
		}{Ack: true}); err != nil {
			errs <- err
			return
		}
	}
}

// pumpNow is a thin seam so the dashboard's "time since last frame"
// column has a single call site to stub in tests.
func pumpNow() time.Time { return time.Now() }
