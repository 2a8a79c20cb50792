package piuio

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockBoard serves scripted sensor readings: Read returns readForPhase for
// the phase selected by the most recent Write.
type mockBoard struct {
	mu           sync.Mutex
	writes       []uint32
	readForPhase func(phase uint32) uint32
	readErr      error
	opened       bool
	closed       bool
}

func (b *mockBoard) Open() error {
	b.opened = true
	return nil
}

func (b *mockBoard) Close() error {
	b.closed = true
	return nil
}

func (b *mockBoard) Write(data uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, data)
	return nil
}

func (b *mockBoard) Read(data *uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return b.readErr
	}
	phase := b.writes[len(b.writes)-1] & 3
	*data = b.readForPhase(phase)
	return nil
}

func (b *mockBoard) BulkReadWrite(buf []uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return b.readErr
	}
	for i := 0; i < numSensors; i++ {
		b.writes = append(b.writes, buf[2*i])
		buf[2*i] = b.readForPhase(buf[2*i] & 3)
	}
	return nil
}

func (b *mockBoard) writeLog() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.writes...)
}

type fixedSource struct {
	state LightsState
}

func (s *fixedSource) LightsState() LightsState {
	return s.state
}

// collectSink gathers events and signals after every full 32-button
// iteration.
type collectSink struct {
	mu     sync.Mutex
	events []ButtonEvent
	iter   chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{iter: make(chan struct{}, 1)}
}

func (s *collectSink) ButtonPressed(ev ButtonEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	n := len(s.events)
	s.mu.Unlock()

	if n%NumButtons == 0 {
		select {
		case s.iter <- struct{}{}:
		default:
		}
	}
}

// lastIteration returns the most recent complete set of 32 events.
func (s *collectSink) lastIteration(t *testing.T) []ButtonEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events) / NumButtons * NumButtons
	require.NotZero(t, n, "no complete scan iteration yet")
	return append([]ButtonEvent(nil), s.events[n-NumButtons:n]...)
}

func (s *collectSink) waitIteration(t *testing.T) {
	t.Helper()
	select {
	case <-s.iter:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a scan iteration")
	}
}

// onePressedPerPhase reports button p on sensor set p: active-low, so all
// bits high except 31-p.
func onePressedPerPhase(phase uint32) uint32 {
	return ^(uint32(1) << (31 - phase))
}

func runScanScenario(t *testing.T, useBulk bool) {
	board := &mockBoard{readForPhase: onePressedPerPhase}
	sink := newCollectSink()
	source := &fixedSource{}
	source.state.CabinetLights[CabinetMarqueeUL] = true

	h, err := NewHandler(Config{
		Board:   board,
		Lights:  source,
		Sink:    sink,
		UseBulk: useBulk,
	})
	require.NoError(t, err)
	require.True(t, board.opened)

	sink.waitIteration(t)

	// a button is pressed if any sensor reported it
	require.Equal(t, uint32(0xF0000000), h.InputField())
	for p := 0; p < numSensors; p++ {
		require.Equal(t, uint32(1)<<(31-p), h.SensorSet(p))
	}

	// buttons 0..3 each came from exactly one sensor
	events := sink.lastIteration(t)
	require.Len(t, events, NumButtons)
	for _, ev := range events {
		if ev.Button < numSensors {
			require.True(t, ev.Pressed, "button %d", ev.Button)
			require.Equal(t, []Sensor{Sensor(ev.Button)}, ev.Sensors, "button %d", ev.Button)
		} else {
			require.False(t, ev.Pressed, "button %d", ev.Button)
			require.Empty(t, ev.Sensors, "button %d", ev.Button)
		}
	}

	// every write carries the composed lights and a phase selector
	for i, w := range board.writeLog() {
		require.Equal(t, uint32(1<<23|1<<27), w&^phaseMask, "write %d", i)
		phase := w & 3
		require.Equal(t, phase<<16, w&0x30000, "write %d", i)
		require.Equal(t, uint32(i%numSensors), phase, "write %d", i)
	}

	require.NoError(t, h.Close())
	require.True(t, board.closed)

	// the all-zero lights write is the last thing the board sees
	writes := board.writeLog()
	require.Equal(t, uint32(0), writes[len(writes)-1])
}

func TestSyncScan(t *testing.T) {
	runScanScenario(t, false)
}

func TestBulkScan(t *testing.T) {
	runScanScenario(t, true)
}

func TestSensorSetBounds(t *testing.T) {
	board := &mockBoard{readForPhase: onePressedPerPhase}
	sink := newCollectSink()

	h, err := NewHandler(Config{Board: board, Lights: &fixedSource{}, Sink: sink})
	require.NoError(t, err)
	defer h.Close()

	sink.waitIteration(t)

	// all four sets are addressable, including index 3
	for set := 0; set < numSensors; set++ {
		require.Equal(t, uint32(1)<<(31-set), h.SensorSet(set), "set %d", set)
	}
	require.Zero(t, h.SensorSet(-1))
	require.Zero(t, h.SensorSet(4))
}

func TestRedundantInstance(t *testing.T) {
	board := &mockBoard{readForPhase: func(uint32) uint32 { return ^uint32(0) }}

	h, err := NewHandler(Config{Board: board, Lights: &fixedSource{}, Sink: newCollectSink()})
	require.NoError(t, err)

	_, err = NewHandler(Config{Board: &mockBoard{}, Lights: &fixedSource{}, Sink: newCollectSink()})
	require.ErrorIs(t, err, ErrRedundantInstance)

	require.NoError(t, h.Close())

	// once the first handler is gone a new one may own the board
	h2, err := NewHandler(Config{Board: board, Lights: &fixedSource{}, Sink: newCollectSink()})
	require.NoError(t, err)
	require.NoError(t, h2.Close())
}

func TestTransportFailureLimit(t *testing.T) {
	board := &mockBoard{
		readForPhase: func(uint32) uint32 { return ^uint32(0) },
		readErr:      fmt.Errorf("usb went away"),
	}
	sink := newCollectSink()

	h, err := NewHandler(Config{
		Board:                board,
		Lights:               &fixedSource{},
		Sink:                 sink,
		MaxTransportFailures: 3,
	})
	require.NoError(t, err)

	// each failing iteration writes the phase-0 selector once before the
	// read fails; the loop stops itself after three in a row
	require.Eventually(t, func() bool {
		return len(board.writeLog()) == 3
	}, 5*time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.Len(t, board.writeLog(), 3)

	require.NoError(t, h.Close())
	writes := board.writeLog()
	require.Equal(t, uint32(0), writes[len(writes)-1])
}
