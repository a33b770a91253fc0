package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/marknotgeorge/SpeedAndCadence/internal/safego"
)

// Controls are the actions the dashboard's keys trigger. Nil actions are ignored.
type Controls struct {
	Disconnect func()
	Reconnect  func()
	Quit       func()
}

// Dashboard renders a Ride in the terminal with tview: status line and metrics on the
// left, the log tail on the right
type Dashboard struct {
	logger   *log.Logger
	app      *tview.Application
	ride     *Ride
	logs     *LogBuffer
	controls Controls

	statusText   *tview.TextView
	metricsPanel *tview.TextView
	logView      *tview.TextView
	root         *tview.Flex

	context    context.Context
	cancelFunc context.CancelFunc
	waitGroup  sync.WaitGroup
}

func NewDashboard(app *tview.Application, ride *Ride, logs *LogBuffer, controls Controls, logger *log.Logger) *Dashboard {
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if app == nil {
		panic("Dashboard: app cannot be nil")
	}
	if ride == nil {
		panic("Dashboard: ride cannot be nil")
	}
	if logs == nil {
		panic("Dashboard: logs cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		logger:     logger,
		app:        app,
		ride:       ride,
		logs:       logs,
		controls:   controls,
		context:    ctx,
		cancelFunc: cancel,
	}
	d.initWidgets()
	d.app.SetInputCapture(d.handleKey)
	return d
}

func (d *Dashboard) initWidgets() {
	// Note: no SetChangedFunc with app.Draw(), redraws are queued by the listeners
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.statusText = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.statusText.SetBorder(true).SetTitle(" Status ")

	d.metricsPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	d.metricsPanel.SetBorder(true).SetTitle(" Speed & Cadence ")

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	help.SetText("[yellow]R[white] Reconnect  |  [yellow]D[white] Disconnect  |  [yellow]Q[white]/[yellow]Esc[white] Quit")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(d.statusText, 3, 0, false).
		AddItem(d.metricsPanel, 0, 1, true)

	d.root = tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(d.logView, 0, 1, false)

	d.applySnapshot(d.ride.Snapshot())
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape {
		d.trigger("quit", d.controls.Quit)
		return nil
	}
	if event.Key() != tcell.KeyRune {
		return event
	}
	switch event.Rune() {
	case 'q', 'Q':
		d.trigger("quit", d.controls.Quit)
	case 'd', 'D':
		d.trigger("disconnect", d.controls.Disconnect)
	case 'r', 'R':
		d.trigger("reconnect", d.controls.Reconnect)
	default:
		return event
	}
	return nil
}

func (d *Dashboard) trigger(name string, action func()) {
	if action == nil {
		return
	}
	d.logger.Printf("Dashboard: %s requested", name)
	action()
}

// applySnapshot must run on the tview goroutine once the app is running
func (d *Dashboard) applySnapshot(s Snapshot) {
	d.statusText.SetText(FormatStatus(s))
	d.metricsPanel.SetText(FormatMetrics(s))
}

func (d *Dashboard) updateLogDisplay() {
	_, _, _, height := d.logView.GetInnerRect()
	if height <= 0 {
		return
	}
	d.logView.Clear()
	for _, line := range d.logs.Tail(height) {
		if _, err := fmt.Fprintln(d.logView, tview.Escape(line)); err != nil {
			d.logger.Printf("Dashboard: Error writing to log view: %v", err)
		}
	}
}

// listen redraws on every signal from the given source. The channel only wakes the loop:
// the current state is read back on the tview goroutine, so a dropped send loses nothing.
func listen[T any](d *Dashboard, name string, register func(chan<- T) func(), redraw func()) {
	ch := make(chan T, 1)
	unregister := register(ch)
	d.waitGroup.Add(1)
	safego.Go(d.logger, name, func() {
		defer d.waitGroup.Done()
		defer unregister()
		for {
			select {
			case <-d.context.Done():
				return
			case <-ch:
				d.app.QueueUpdateDraw(redraw)
			}
		}
	})
}

// Run shows the dashboard and blocks until Stop is called or the app exits
func (d *Dashboard) Run() error {
	listen(d, "dashboard-snapshots", d.ride.ListenSnapshotsChan, func() {
		d.applySnapshot(d.ride.Snapshot())
	})
	listen(d, "dashboard-logs", d.logs.ListenLinesChan, d.updateLogDisplay)

	// SetRoot must be called before setting focus, otherwise focus may be reset
	d.app.SetRoot(d.root, true).SetFocus(d.metricsPanel)
	err := d.app.Run()
	d.shutdown()
	return err
}

// Stop ends Run. Safe to call from any goroutine.
func (d *Dashboard) Stop() {
	d.app.Stop()
}

func (d *Dashboard) shutdown() {
	d.logger.Println("Dashboard: Shutting down")
	d.cancelFunc()
	d.waitGroup.Wait()
	d.logger.Println("Dashboard: Shutdown complete")
}
