package task

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/testbed-orchestrator/internal/domain"
	"github.com/hochfrequenz/testbed-orchestrator/internal/telemetry"
)

// webSocketToStore reads JSON samples from a websocket and stores them
// under Measurement until the task's stop milestone is recorded, MaxTime
// elapses or the stage is cancelled.
func webSocketToStore(ctx context.Context, t *Task) error {
	services := t.host.Services()
	if services == nil || services.Telemetry == nil {
		t.fail("No telemetry store configured")
		return nil
	}

	url := t.Params.String("URL")
	stopName := t.Params.String("StopName")
	if stopName == "" {
		stopName = t.Label
	}
	measurement := t.Params.String("Measurement")
	timeKey := t.Params.String("TimestampKey")
	maxTime := t.Params.Seconds("MaxTime")

	header := http.Header{}
	if token := t.Params.String("Token"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		t.fail("Could not connect to %s: %v", url, err)
		return nil
	}
	defer conn.Close()
	t.Log(slog.LevelInfo, "Connected to %s, collecting '%s' until '%s'", url, measurement, StopMilestone(stopName))

	messages := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case messages <- data:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(services.milestonePoll())
	defer ticker.Stop()
	var deadline <-chan time.Time
	if maxTime > 0 {
		timer := time.NewTimer(maxTime)
		defer timer.Stop()
		deadline = timer.C
	}

	tag := telemetry.Tag(t.host.ExecutionID())
	received := 0
	for {
		select {
		case <-ctx.Done():
			t.Log(slog.LevelInfo, "Collection cancelled after %d samples", received)
			return ctx.Err()
		case <-deadline:
			t.Log(slog.LevelInfo, "Maximum collection time reached (%d samples)", received)
			return nil
		case <-ticker.C:
			if t.host.ReadMilestone(StopMilestone(stopName)) {
				t.Log(slog.LevelInfo, "Stop milestone reached (%d samples)", received)
				closeSource(t, conn)
				return nil
			}
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Log(slog.LevelInfo, "Source closed the connection (%d samples)", received)
				return nil
			}
			t.fail("Error reading from %s: %v", url, err)
			return nil
		case data := <-messages:
			point, err := telemetry.PointFromJSON(data, timeKey)
			if err != nil {
				t.Log(slog.LevelWarn, "Discarding sample: %v", err)
				continue
			}
			payload := domain.NewPayload(measurement)
			payload.Tags[telemetry.ExecutionIDTag] = tag
			payload.Points = []domain.Point{point}
			if err := services.Telemetry.Send(ctx, payload); err != nil {
				t.Log(slog.LevelError, "Could not store sample: %v", err)
				continue
			}
			received++
		}
	}
}

// waitForTelemetry blocks while samples of Measurement keep arriving: it
// returns once no sample newer than TimeWindow exists.
func waitForTelemetry(ctx context.Context, t *Task) error {
	services := t.host.Services()
	if services == nil || services.Telemetry == nil {
		t.fail("No telemetry store configured")
		return nil
	}
	measurement := domain.SanitizeMeasurement(t.Params.String("Measurement"))
	interval := t.Params.Seconds("CheckInterval")
	window := t.Params.Seconds("TimeWindow")

	for {
		last, ok, err := services.Telemetry.LastSample(ctx, t.host.ExecutionID(), measurement)
		if err != nil {
			t.fail("Could not query telemetry: %v", err)
			return nil
		}
		if !ok || time.Since(last) > window {
			t.Log(slog.LevelInfo, "No new '%s' samples within %s", measurement, window)
			return nil
		}
		t.Log(slog.LevelDebug, "Still receiving '%s' (last sample %s)", measurement, last.Format(time.RFC3339))
		if err := Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// closeSource tells the sample source that collection is over. Failing to
// do so does not affect the samples already stored.
func closeSource(t *Task, conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		t.Log(slog.LevelDebug, "Could not send close frame: %v", err)
	}
}
