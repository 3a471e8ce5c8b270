package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mcdev12/scoresync/go/internal/collab"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// consoleObserver prints engine notifications for a terminal user.
type consoleObserver struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsoleObserver(out io.Writer) *consoleObserver {
	return &consoleObserver{out: out}
}

func (o *consoleObserver) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.out, format, args...)
}

func (o *consoleObserver) StateChanged(s collab.Status) {
	switch s.State {
	case collab.StateConnected:
		o.printf("connected to %s as %s (%s)\n", s.RoomCode, s.DisplayName, s.ConnectionType)
	case collab.StateError:
		if !s.RetryAt.IsZero() {
			o.printf("connection lost, retry %d at %s\n", s.Attempt, s.RetryAt.Format("15:04:05"))
			return
		}
		o.printf("sync error\n")
	default:
		o.printf("%s\n", s.State)
	}
}

func (o *consoleObserver) PeersChanged(peers []models.Peer) {
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		names = append(names, p.DisplayName)
	}
	if len(names) == 0 {
		o.printf("no peers\n")
		return
	}
	o.printf("peers: %s\n", strings.Join(names, ", "))
}

func (o *consoleObserver) Error(err *collab.SyncError) {
	o.printf("error: %v\n", err)
}

func (o *consoleObserver) Warning(err *collab.SyncError) {
	o.printf("warning: %v\n", err)
}

// promptConfirmer asks on the terminal before an additive merge.
type promptConfirmer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

func (p *promptConfirmer) ConfirmMerge(ctx context.Context, plan models.MergePlan) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "The room is missing %d teams and %d blocks from your session:\n", len(plan.Teams), len(plan.Blocks))
	for _, item := range plan.Teams {
		fmt.Fprintf(p.out, "  team  %s\n", item.Name)
	}
	for _, item := range plan.Blocks {
		fmt.Fprintf(p.out, "  block %s\n", item.Name)
	}
	fmt.Fprint(p.out, "Add them? [y/N] ")

	answer := make(chan string, 1)
	go func() {
		line, _ := p.in.ReadString('\n')
		answer <- line
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
