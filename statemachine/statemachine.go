// Package statemachine implements the runout/feed/resume control flow:
// transitions mutate state only, leaving I/O to the post-transition
// handlers registered as fsm.Callbacks.
package statemachine

import (
	"context"
	"log"
	"sync"

	"github.com/looplab/fsm"
)

// State names. String values double as fsm state identifiers.
const (
	Starting     = "STARTING"
	Idle         = "IDLE"
	Printing     = "PRINTING"
	Paused       = "PAUSED"
	Runout       = "RUNOUT"
	Feeding      = "FEEDING"
	Resuming     = "RESUMING"
	Error        = "ERROR"
	Disconnected = "DISCONNECTED"
)

// Event names fed into the machine by the coordinator.
const (
	EvtInitComplete     = "init_complete"
	EvtPrinterPrinting  = "printer_printing"
	EvtPrinterPaused    = "printer_paused"
	EvtSensorEmpty      = "sensor_empty"
	EvtSensorFull       = "sensor_full"
	EvtPrinterComplete  = "printer_complete"
	EvtPrinterCancelled = "printer_cancelled"
	EvtPrinterError     = "printer_error"
	EvtPrinterReady     = "printer_ready"
	EvtActionFailure    = "action_failure"
	EvtShutdown         = "shutdown"

	// evtPausedEmptyTube is fired internally by onEnterPaused when the
	// active tube is empty on entry to PAUSED; it is not part of the
	// coordinator-facing event vocabulary.
	evtPausedEmptyTube = "paused_empty_tube"
)

var notIdle = []string{Printing, Paused, Runout, Feeding, Resuming, Error, Disconnected}
var anyState = []string{Starting, Idle, Printing, Paused, Runout, Feeding, Resuming, Error, Disconnected}

var events = []fsm.EventDesc{
	{Name: EvtInitComplete, Src: []string{Starting}, Dst: Idle},
	{Name: EvtPrinterPrinting, Src: []string{Idle}, Dst: Printing},
	{Name: EvtPrinterPaused, Src: []string{Idle, Printing, Runout, Resuming}, Dst: Paused},
	{Name: EvtSensorEmpty, Src: []string{Printing}, Dst: Runout},
	{Name: EvtSensorFull, Src: []string{Feeding}, Dst: Resuming},
	{Name: EvtPrinterPrinting, Src: []string{Resuming}, Dst: Printing},
	{Name: EvtPrinterComplete, Src: notIdle, Dst: Idle},
	{Name: EvtPrinterCancelled, Src: notIdle, Dst: Idle},
	{Name: EvtPrinterError, Src: anyState, Dst: Error},
	{Name: EvtPrinterReady, Src: []string{Error}, Dst: Idle},
	{Name: EvtActionFailure, Src: anyState, Dst: Error},
	{Name: EvtShutdown, Src: anyState, Dst: Disconnected},
	{Name: evtPausedEmptyTube, Src: []string{Paused}, Dst: Feeding},
}

// SensorState reports whether the active extruder's runout sensor currently
// detects filament.
type SensorState func(activeExtruder int) (filamentPresent bool)

// TemperatureReader reports the current nozzle temperature of an extruder,
// consulted before priming on resume.
type TemperatureReader func(extruder int) (celsius float64)

// PrimeThreshold is the nozzle temperature above which a resume primes
// filament before resuming the print.
const PrimeThreshold = 175.0

// Actions are the post-transition side effects the machine performs on
// entry to a new state. Nothing here mutates state directly; the callback
// is invoked after the fsm has already recorded the transition.
type Actions interface {
	// Pause sends PRINT_PAUSE-equivalent control to the printer link.
	Pause(ctx context.Context)
	// RequestFeed asks the cabinet to feed the given tube.
	RequestFeed(ctx context.Context, tube byte)
	// PrimeAndResume emits the 100mm prime sequence (if hot enough) and resumes the print.
	PrimeAndResume(ctx context.Context, extruderTemp float64)
	// EmitPrinterError reports ERROR state to the cabinet over CAN.
	EmitPrinterError(ctx context.Context)
}

// Machine wraps a looplab/fsm.FSM with the domain-specific transition table
// and action wiring. All calls are serialized through mu: the machine is
// meant to be driven from a single coordinator goroutine, but the mutex
// guards State()/Payload() reads from other goroutines (e.g. HTTP status
// endpoints) without requiring them to hop onto that goroutine.
type Machine struct {
	mu      sync.Mutex
	sm      *fsm.FSM
	actions Actions
	sensor  SensorState
	temp    TemperatureReader
	mapper  TubeMapper
	logger  *log.Logger

	activeExtruder int
	payload        map[string]any
}

// TubeMapper resolves which tube feeds a given extruder, per the mapping store.
type TubeMapper interface {
	TubeForExtruder(extruder byte) (byte, bool)
}

// New builds a Machine starting in STARTING, with the given action
// implementation, sensor/temperature readers, and mapping lookup.
func New(actions Actions, sensor SensorState, temp TemperatureReader, mapper TubeMapper, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.Default()
	}
	m := &Machine{actions: actions, sensor: sensor, temp: temp, mapper: mapper, logger: logger, payload: map[string]any{}}

	callbacks := fsm.Callbacks{
		"enter_" + Paused:   m.onEnterPaused,
		"enter_" + Runout:   m.onEnterRunout,
		"enter_" + Feeding:  m.onEnterFeeding,
		"enter_" + Resuming: m.onEnterResuming,
		"enter_" + Error:    m.onEnterError,
	}
	m.sm = fsm.NewFSM(Starting, events, callbacks)
	return m
}

// State returns the current state name.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.Current()
}

// Payload returns the extra context recorded by the last transition (e.g.
// the failure reason on ERROR).
func (m *Machine) Payload() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.payload))
	for k, v := range m.payload {
		out[k] = v
	}
	return out
}

// SetActiveExtruder updates which extruder is considered active. Runout
// checks fired after this call use the new index immediately.
func (m *Machine) SetActiveExtruder(extruder int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeExtruder = extruder
}

// ActiveExtruder returns the currently active extruder index.
func (m *Machine) ActiveExtruder() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeExtruder
}

// Fire drives one event through the machine. Unmentioned (state, event)
// pairs are rejected by the fsm and leave the state untouched; that
// rejection is swallowed here rather than surfaced as an error, since the
// transition table already encodes every admissible move.
func (m *Machine) Fire(ctx context.Context, event string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.sm.Event(ctx, event, args...); err != nil {
		// NoTransitionError / InvalidEventError are both expected outcomes
		// of an event that the current state doesn't admit.
		m.logger.Printf("event %q from %s ignored: %v", event, m.sm.Current(), err)
	}
}

// RecordFailure transitions to ERROR recording reason in the payload. Call
// this from a coordinator action that itself failed (e.g. a CAN send error
// inside an enter-state callback). It does not take mu, which Fire already
// holds while the callback runs, and it drives the fsm directly: the fsm
// accepts a new event from an enter-state callback because the triggering
// transition has already completed by then.
func (m *Machine) RecordFailure(ctx context.Context, reason string) {
	m.payload = map[string]any{"reason": reason}
	if err := m.sm.Event(ctx, EvtActionFailure, reason); err != nil {
		m.logger.Printf("event %q from %s ignored: %v", EvtActionFailure, m.sm.Current(), err)
	}
}

// HandleSensorChange is the coordinator's single entry point for a runout
// sensor transition. A change on a non-active extruder is logged only: it
// never drives the state machine, per the edge policy for secondary tubes.
func (m *Machine) HandleSensorChange(ctx context.Context, extruder int, present bool) {
	m.mu.Lock()
	active := m.activeExtruder
	state := m.sm.Current()
	m.mu.Unlock()

	if extruder != active {
		m.logger.Printf("runout sensor changed on non-active extruder %d (active=%d), ignoring", extruder, active)
		return
	}

	if !present && state == Printing {
		m.Fire(ctx, EvtSensorEmpty)
		return
	}
	if present && state == Feeding {
		m.Fire(ctx, EvtSensorFull)
	}
}

func (m *Machine) onEnterPaused(ctx context.Context, e *fsm.Event) {
	active := m.activeExtruder
	present := true
	if m.sensor != nil {
		present = m.sensor(active)
	}
	if present {
		return
	}

	tube, ok := byte(0), false
	if m.mapper != nil {
		tube, ok = m.mapper.TubeForExtruder(byte(active))
	}
	if !ok {
		m.logger.Printf("no tube mapped for active extruder %d, cannot feed", active)
		return
	}

	if m.actions != nil {
		m.actions.RequestFeed(ctx, tube)
	}
	// Entering PAUSED with an empty active tube immediately advances to
	// FEEDING, fired synchronously through the same *fsm.Event the way
	// jobEvtAbort is fired from inside jobEvtProcess.
	if err := e.FSM.Event(ctx, evtPausedEmptyTube); err != nil {
		m.logger.Printf("paused->feeding transition failed: %v", err)
	}
}

func (m *Machine) onEnterRunout(ctx context.Context, e *fsm.Event) {
	if m.actions != nil {
		m.actions.Pause(ctx)
	}
}

func (m *Machine) onEnterFeeding(ctx context.Context, e *fsm.Event) {}

func (m *Machine) onEnterResuming(ctx context.Context, e *fsm.Event) {
	active := m.activeExtruder
	var celsius float64
	if m.temp != nil {
		celsius = m.temp(active)
	}
	if m.actions != nil {
		m.actions.PrimeAndResume(ctx, celsius)
	}
}

func (m *Machine) onEnterError(ctx context.Context, e *fsm.Event) {
	if len(e.Args) > 0 {
		if reason, ok := e.Args[0].(string); ok {
			m.payload = map[string]any{"reason": reason}
		}
	}
	if m.actions != nil {
		m.actions.EmitPrinterError(ctx)
	}
}
