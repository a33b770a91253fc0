package monitor

import (
	"context"
	"fmt"
	"io"
	"log"
)

// Printer writes one line per changed snapshot. It is the renderer for plain mode,
// where the log is mirrored to stderr and stdout carries the figures.
type Printer struct {
	ride   *Ride
	out    io.Writer
	logger *log.Logger
}

func NewPrinter(ride *Ride, out io.Writer, logger *log.Logger) *Printer {
	if ride == nil {
		panic("Printer: ride cannot be nil")
	}
	if out == nil {
		panic("Printer: out cannot be nil")
	}
	if logger == nil {
		panic("Printer: logger cannot be nil")
	}
	return &Printer{ride: ride, out: out, logger: logger}
}

// Run prints until ctx is done
func (p *Printer) Run(ctx context.Context) error {
	wake := make(chan Snapshot, 1)
	unregister := p.ride.ListenSnapshotsChan(wake)
	defer unregister()

	var last string
	for {
		select {
		case <-ctx.Done():
			p.logger.Println("Printer: stopped")
			return nil
		case <-wake:
			line := FormatLine(p.ride.Snapshot())
			if line == last {
				continue
			}
			last = line
			if _, err := fmt.Fprintln(p.out, line); err != nil {
				return fmt.Errorf("writing snapshot: %w", err)
			}
		}
	}
}
