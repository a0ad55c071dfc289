package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/ddrecorder/ddrecorder/telemetry"
)

// Snapshot is the controller view served on /status.
type Snapshot struct {
	Time          time.Time `json:"time"`
	ActiveWorkers int       `json:"active_workers"`
	Rooms         []Status  `json:"rooms"`
}

// Controller runs one goroutine per supervisor plus a status printer.
type Controller struct {
	Supervisors   []*Supervisor
	PrintInterval time.Duration
	Out           io.Writer
	Logger        *slog.Logger

	cancel  context.CancelFunc
	workers []chan struct{}
	printer chan struct{}
	active  atomic.Int32
	mu      sync.Mutex
}

// NewController returns a stopped controller.
func NewController(sups []*Supervisor, printInterval time.Duration, out io.Writer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{Supervisors: sups, PrintInterval: printInterval, Out: out, Logger: logger}
}

// Start launches every supervisor and the status printer.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	if len(c.Supervisors) == 0 {
		c.Logger.Warn("no rooms configured")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	for _, s := range c.Supervisors {
		done := make(chan struct{})
		c.workers = append(c.workers, done)
		c.setActive(int(c.active.Add(1)))
		go func(s *Supervisor) {
			defer close(done)
			defer func() { c.setActive(int(c.active.Add(-1))) }()
			s.Run(ctx)
		}(s)
	}
	if c.Out != nil && c.PrintInterval > 0 {
		c.printer = make(chan struct{})
		go c.printLoop(ctx)
	}
	c.Logger.Info("controller started", slog.Int("rooms", len(c.Supervisors)))
}

func (c *Controller) setActive(n int) { telemetry.SetActiveWorkers(n) }

// Stop cancels all supervisors and waits up to timeout for each. It reports
// whether every worker exited in time.
func (c *Controller) Stop(timeout time.Duration) bool {
	c.mu.Lock()
	cancel, workers, printer := c.cancel, c.workers, c.printer
	c.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	ok := true
	for i, done := range workers {
		select {
		case <-done:
		case <-time.After(timeout):
			ok = false
			c.Logger.Warn("room worker did not stop in time", slog.String("room", c.Supervisors[i].ID), slog.Duration("timeout", timeout))
		}
	}
	if printer != nil {
		select {
		case <-printer:
		case <-time.After(timeout):
		}
	}
	return ok
}

// ActiveWorkers is the number of supervisors still running.
func (c *Controller) ActiveWorkers() int { return int(c.active.Load()) }

// Snapshot returns every room's status.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{Time: time.Now(), ActiveWorkers: c.ActiveWorkers()}
	for _, s := range c.Supervisors {
		snap.Rooms = append(snap.Rooms, s.Status())
	}
	return snap
}

func (c *Controller) printLoop(ctx context.Context) {
	defer close(c.printer)
	t := time.NewTicker(c.PrintInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := RenderTable(c.Out, c.Snapshot()); err != nil {
				c.Logger.Debug("status table write failed", slog.Any("err", err))
			}
		}
	}
}

// RenderTable writes a human-readable status table.
func RenderTable(w io.Writer, snap Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "DDRecorder  time: %s  active workers: %d\n", snap.Time.Format("2006-01-02 15:04:05"), snap.ActiveWorkers)
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tLIVE\tSTATE\tSINCE")
	for _, r := range snap.Rooms {
		live := "no"
		if r.Live {
			live = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Room, live, r.State, r.Since.Format("2006-01-02 15:04:05"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, b.String())
	return err
}
