package piuio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ButtonEvent is one button's state from one scan iteration. Sensors lists
// which sensor sets saw the button; it is empty for non-pad buttons, which
// always report all four sets.
type ButtonEvent struct {
	Button    int
	Pressed   bool
	Timestamp time.Time
	Sensors   []Sensor
}

// InputSink receives every button's state once per scan iteration.
// Implementations must be safe to call from the scan goroutine.
type InputSink interface {
	ButtonPressed(ev ButtonEvent)
}

// Config wires a handler to its collaborators.
type Config struct {
	Board  Board
	Lights StateSource
	Sink   InputSink

	// Mapping defaults to DefaultMapping when zero.
	Mapping *Mapping

	// UseBulk selects the bulk-async transport variant. Fixed for the
	// handler's lifetime; the synchronous variant is the reference.
	UseBulk bool

	// ReportInterval is how many scan iterations pass between telemetry
	// lines. Defaults to 5.
	ReportInterval int

	// MaxTransportFailures shuts the scan loop down after that many
	// consecutive transport errors. 0 disables the limit; failed
	// iterations are logged and retried.
	MaxTransportFailures int
}

// Only one handler may own the board per process.
var handlerActive atomic.Bool

// Handler owns a PIUIO board and runs the scan loop on a dedicated
// goroutine until Close.
type Handler struct {
	board    Board
	lights   StateSource
	sink     InputSink
	mapping  Mapping
	scan     func() error
	interval int
	maxFail  int

	shutdown atomic.Bool
	done     sync.WaitGroup

	mu         sync.Mutex
	inputData  [numSensors]uint32
	inputField uint32

	lightData  uint32
	iterations uint64
}

// NewHandler opens the board and starts the scan loop. Fails with
// ErrRedundantInstance if a handler already exists in this process, and with
// ErrBoardNotFound if the board cannot be opened.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Board == nil || cfg.Lights == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("piuio: config needs a board, a lights source and an input sink")
	}
	if !handlerActive.CompareAndSwap(false, true) {
		log.Warnf("piuio: redundant handler requested, disabling")
		return nil, ErrRedundantInstance
	}

	h := &Handler{
		board:    cfg.Board,
		lights:   cfg.Lights,
		sink:     cfg.Sink,
		mapping:  DefaultMapping(),
		interval: cfg.ReportInterval,
		maxFail:  cfg.MaxTransportFailures,
	}
	if cfg.Mapping != nil {
		h.mapping = *cfg.Mapping
	}
	if h.interval <= 0 {
		h.interval = 5
	}

	if err := h.board.Open(); err != nil {
		handlerActive.Store(false)
		log.Warnf("piuio: could not establish a connection with the board: %v", err)
		return nil, err
	}
	log.Tracef("piuio: opened board")

	h.scan = h.scanSync
	if cfg.UseBulk {
		h.scan = h.scanBulk
	}

	h.done.Add(1)
	go h.loop()

	return h, nil
}

// Close stops the scan loop, extinguishes the lights and releases the
// board. The all-zero write is the last output the board sees.
func (h *Handler) Close() error {
	h.shutdown.Store(true)
	log.Tracef("piuio: shutting down scan loop")
	h.done.Wait()
	log.Tracef("piuio: scan loop stopped")

	err := h.board.Write(0)
	if cerr := h.board.Close(); err == nil {
		err = cerr
	}
	handlerActive.Store(false)
	return err
}

func (h *Handler) loop() {
	defer h.done.Done()

	failures := 0
	for !h.shutdown.Load() {
		h.updateLights()

		if err := h.scan(); err != nil {
			failures++
			log.Warnf("piuio: scan failed (%d consecutive): %v", failures, err)
			if h.maxFail > 0 && failures >= h.maxFail {
				log.Warnf("piuio: %d consecutive transport failures, stopping scan loop", failures)
				return
			}
			continue
		}
		failures = 0

		h.dispatch()

		h.iterations++
		if h.iterations%uint64(h.interval) == 0 && log.IsLevelEnabled(log.DebugLevel) {
			h.mu.Lock()
			line := debugLine(&h.inputData, h.lightData)
			h.mu.Unlock()
			log.Debug(line)
		}
	}
}

// updateLights composes the output word for this iteration from the current
// lights snapshot. Phase selector bits stay clear until the scan fills them
// in.
func (h *Handler) updateLights() {
	state := h.lights.LightsState()
	h.lightData = h.mapping.Compose(&state)
}

// scanSync reads the four sensor sets one write/read cycle at a time. The
// write selects which set the following read returns.
func (h *Handler) scanSync() error {
	var input [numSensors]uint32
	for i := uint32(0); i < numSensors; i++ {
		h.lightData &= ^phaseMask
		h.lightData |= i | i<<16

		if err := h.board.Write(h.lightData); err != nil {
			return err
		}
		if err := h.board.Read(&input[i]); err != nil {
			return err
		}

		// PIUIO reports active-low; invert for logical processing
		input[i] = ^input[i]
	}

	h.mu.Lock()
	h.inputData = input
	h.mu.Unlock()
	return nil
}

// scanBulk submits all four phases as one bulk read-write: output words in
// the even slots, which the transport overwrites with the input words.
func (h *Handler) scanBulk() error {
	var buf [2 * numSensors]uint32

	h.lightData &= ^phaseMask
	for i := uint32(0); i < numSensors; i++ {
		buf[2*i] = h.lightData | i | i<<16
	}

	if err := h.board.BulkReadWrite(buf[:]); err != nil {
		return err
	}

	var input [numSensors]uint32
	for i := 0; i < numSensors; i++ {
		input[i] = ^buf[2*i]
	}

	h.mu.Lock()
	h.inputData = input
	h.mu.Unlock()
	return nil
}

// dispatch combines the four sensor words and reports every button with its
// sensor attribution. Timestamps are taken fresh, so every event from this
// iteration is stamped at or after its start.
func (h *Handler) dispatch() {
	h.mu.Lock()
	input := h.inputData
	var field uint32
	for i := 0; i < numSensors; i++ {
		field |= input[i]
	}
	h.inputField = field
	h.mu.Unlock()

	for button := 0; button < NumButtons; button++ {
		h.sink.ButtonPressed(ButtonEvent{
			Button:    button,
			Pressed:   field&(1<<(31-button)) != 0,
			Timestamp: time.Now(),
			Sensors:   sensorsFor(&input, button),
		})
	}
}

// SensorSet returns the raw (inverted to active-high) input word for one
// sensor set from the latest scan. Valid sets are 0 through 3; anything else
// returns 0.
func (h *Handler) SensorSet(set int) uint32 {
	if set < 0 || set >= numSensors {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputData[set]
}

// InputField returns the combined input word from the latest scan.
func (h *Handler) InputField() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputField
}
