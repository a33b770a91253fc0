package monitor

import (
	"testing"
	"time"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
)

func ridingSnapshot() Snapshot {
	return Snapshot{
		Status:               connection.StatusOf(connection.Connected),
		Message:              "Connected",
		Device:               rideDevice,
		MeasurementsReceived: 12,
		HasRates:             true,
		Rates: csc.Rates{
			WheelRPM:        200,
			AverageWheelRPM: 190,
			CrankRPM:        85,
			AverageCrankRPM: 82.4,
			SpeedKmh:        28.8,
			AverageSpeedKmh: 27.36,
		},
		WheelSamples:    11,
		CrankSamples:    11,
		LastMeasurement: rideStart,
	}
}

func TestFormatLine(t *testing.T) {
	assert.Equal(t,
		`status="Connected" speed=28.8 km/h avg=27.4 km/h cadence=85 rpm avg=82 rpm wheel=200.0 rpm measurements=12`,
		FormatLine(ridingSnapshot()))
}

func TestFormatLine_Baseline(t *testing.T) {
	s := ridingSnapshot()
	s.MeasurementsReceived = 1
	s.HasRates = false
	s.Rates = csc.Rates{}

	assert.Equal(t,
		`status="Connected" speed=-- km/h avg=-- km/h cadence=-- rpm avg=-- rpm wheel=-- rpm measurements=1`,
		FormatLine(s))
}

func TestFormatLine_NoData(t *testing.T) {
	s := Snapshot{Status: connection.StatusOf(connection.AwaitingConnection), Message: "AwaitingConnection"}
	assert.Equal(t, `status="AwaitingConnection"`, FormatLine(s))
}

func TestFormatMetrics(t *testing.T) {
	text := FormatMetrics(ridingSnapshot())
	assert.Contains(t, text, "[yellow]28.8[white] km/h")
	assert.Contains(t, text, "[yellow]85[white] rpm")
	assert.Contains(t, text, "[gray]Measurements:[white] 12")
	assert.Contains(t, text, "11 wheel / 11 crank")
	assert.Contains(t, text, rideStart.Format("15:04:05"))

	assert.Contains(t, FormatMetrics(Snapshot{}), "Waiting for data")
}

func TestFormatStatus(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
		want     string
	}{
		{
			name:     "connected",
			snapshot: Snapshot{Status: connection.StatusOf(connection.Connected), Message: "Connected"},
			want:     " [green]●[white] Connected",
		},
		{
			name:     "pairing",
			snapshot: Snapshot{Status: connection.StatusOf(connection.Pairing), Message: "Pairing"},
			want:     " [orange]●[white] Pairing",
		},
		{
			name: "error stays red after disconnect",
			snapshot: Snapshot{
				Status:    connection.StatusOf(connection.Uninitialized),
				Message:   "ERROR: link lost",
				LastError: "link lost",
			},
			want: " [red]●[white] ERROR: link lost",
		},
		{
			name:     "no status yet",
			snapshot: Snapshot{Message: "starting"},
			want:     " [gray]●[white] starting",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatStatus(tt.snapshot))
		})
	}
}

func TestFormatStatus_ShowsDevice(t *testing.T) {
	s := ridingSnapshot()
	s.LastMeasurement = time.Time{}
	assert.Contains(t, FormatStatus(s), "CSC Sensor (BluetoothLE#c0:ff:ee:00:00:01#1816#0001)")
}

func TestFormatStatus_EscapesTags(t *testing.T) {
	s := Snapshot{Status: connection.StatusOf(connection.Connected), Message: "odd [name]"}
	assert.Contains(t, FormatStatus(s), tview.Escape("odd [name]"))
}
