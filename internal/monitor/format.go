package monitor

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
)

const noValue = "--"

// statusColor picks the tview color tag for a status line
func statusColor(s Snapshot) string {
	if s.LastError != "" {
		return "red"
	}
	if s.Status == nil {
		return "gray"
	}
	switch s.Status.State() {
	case connection.Connected:
		return "green"
	case connection.AwaitingConnection, connection.Initialized:
		return "yellow"
	case connection.Pairing, connection.Unpairing, connection.Paired, connection.RequiresPairing:
		return "orange"
	case connection.Failed:
		return "red"
	default:
		return "gray"
	}
}

// FormatStatus renders the status line with tview color tags
func FormatStatus(s Snapshot) string {
	text := fmt.Sprintf(" [%s]●[white] %s", statusColor(s), tview.Escape(s.Message))
	if s.Device.ID != "" {
		text += fmt.Sprintf("  [gray]%s[white]", tview.Escape(s.Device.String()))
	}
	return text
}

func formatValue(format string, v float64, ok bool) string {
	if !ok {
		return noValue
	}
	return fmt.Sprintf(format, v)
}

// FormatMetrics renders the metrics panel with tview color tags
func FormatMetrics(s Snapshot) string {
	if s.MeasurementsReceived == 0 {
		return "\n\n  [gray]Waiting for data...[white]"
	}

	r := s.Rates
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [green]→[white] Speed:         [yellow]%s[white] km/h\n", formatValue("%.1f", r.SpeedKmh, s.HasRates))
	fmt.Fprintf(&b, "    Avg Speed:     [yellow]%s[white] km/h\n\n", formatValue("%.1f", r.AverageSpeedKmh, s.HasRates))
	fmt.Fprintf(&b, "  [cyan]↻[white] Cadence:       [yellow]%s[white] rpm\n", formatValue("%.0f", r.CrankRPM, s.HasRates))
	fmt.Fprintf(&b, "    Avg Cadence:   [yellow]%s[white] rpm\n\n", formatValue("%.0f", r.AverageCrankRPM, s.HasRates))
	fmt.Fprintf(&b, "  [blue]○[white] Wheel:         [yellow]%s[white] rpm\n", formatValue("%.1f", r.WheelRPM, s.HasRates))
	fmt.Fprintf(&b, "    Avg Wheel:     [yellow]%s[white] rpm\n\n", formatValue("%.1f", r.AverageWheelRPM, s.HasRates))
	fmt.Fprintf(&b, "  [gray]Measurements:[white] %d  [gray]Samples:[white] %d wheel / %d crank\n",
		s.MeasurementsReceived, s.WheelSamples, s.CrankSamples)
	if !s.LastMeasurement.IsZero() {
		fmt.Fprintf(&b, "  [gray]Last update:[white]  %s\n", s.LastMeasurement.Format("15:04:05"))
	}
	return b.String()
}

// FormatLine renders a snapshot as a single plain-text line
func FormatLine(s Snapshot) string {
	line := fmt.Sprintf("status=%q", s.Message)
	if s.MeasurementsReceived == 0 {
		return line
	}
	r := s.Rates
	return line + fmt.Sprintf(
		" speed=%s km/h avg=%s km/h cadence=%s rpm avg=%s rpm wheel=%s rpm measurements=%d",
		formatValue("%.1f", r.SpeedKmh, s.HasRates),
		formatValue("%.1f", r.AverageSpeedKmh, s.HasRates),
		formatValue("%.0f", r.CrankRPM, s.HasRates),
		formatValue("%.0f", r.AverageCrankRPM, s.HasRates),
		formatValue("%.1f", r.WheelRPM, s.HasRates),
		s.MeasurementsReceived,
	)
}
