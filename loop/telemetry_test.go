package loop

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectTelemetry struct {
	events []Event
}

func (c *collectTelemetry) Emit(event Event) {
	c.events = append(c.events, event)
}

func TestMultiplexTelemetryFansOut(t *testing.T) {
	first := &collectTelemetry{}
	second := &collectTelemetry{}
	multi := MultiplexTelemetry{Sinks: []Telemetry{first, second}}

	multi.Emit(Event{Type: EventIteration, SessionID: "s1", Message: "execute"})
	multi.Emit(Event{Type: EventLoopFinish, SessionID: "s1", Message: "complete"})

	require.Len(t, first.events, 2)
	require.Len(t, second.events, 2)
	assert.Equal(t, EventIteration, first.events[0].Type)
	assert.Equal(t, second.events[1].Type, first.events[1].Type)
}

func TestJSONFileTelemetryWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink, err := NewJSONFileTelemetry(path)
	require.NoError(t, err)

	sink.Emit(Event{Type: EventLoopStart, SessionID: "s1", Timestamp: time.Now().UTC()})
	sink.Emit(Event{Type: EventRetry, SessionID: "s1", Message: "attempt 1"})
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		lines = append(lines, event)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)
	assert.Equal(t, EventLoopStart, lines[0].Type)
	assert.Equal(t, "attempt 1", lines[1].Message)
}
