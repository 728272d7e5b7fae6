// Package coordinator wires the CAN link, printer link, mapping store, RFID
// reassembler, and state machine together, and owns the reconnect re-sync
// and filament-bitmap protocol that span all of them.
package coordinator

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/filbridge/filbridge/canlink"
	"github.com/filbridge/filbridge/config"
	"github.com/filbridge/filbridge/mapping"
	"github.com/filbridge/filbridge/printerlink"
	"github.com/filbridge/filbridge/rfid"
	"github.com/filbridge/filbridge/spoolman"
	"github.com/filbridge/filbridge/statemachine"
)

const (
	reconnectSettleDelay = 1 * time.Second
	auditPeriod          = 60 * time.Second
	rfidSweepPeriod      = 10 * time.Second
	spoolmanHealthPeriod = 30 * time.Second
)

// Coordinator holds references to every component and is the only piece
// that knows how they fit together.
type Coordinator struct {
	cfg *config.Config

	can      *canlink.Link
	printer  *printerlink.Link
	mapStore *mapping.Store
	sm       *statemachine.Machine
	rfidR    *rfid.Reassembler
	spool    *spoolman.Client

	logger *log.Logger

	mu              sync.Mutex
	lastPrintState  string
	lastBitmap      byte
	lastBitmapValid bool
	sensorCache     map[string]bool
	completedRFID   map[int]rfid.Record

	stop chan struct{}
}

// New builds a Coordinator from the already-constructed components. It does
// not connect anything; call Start for that.
func New(cfg *config.Config, can *canlink.Link, printer *printerlink.Link, mapStore *mapping.Store, spool *spoolman.Client, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	c := &Coordinator{
		cfg:           cfg,
		can:           can,
		printer:       printer,
		mapStore:      mapStore,
		spool:         spool,
		logger:        logger,
		sensorCache:   make(map[string]bool),
		completedRFID: make(map[int]rfid.Record),
	}

	c.sm = statemachine.New(c, c.sensorPresent, c.extruderTemperature, mapStore, logger)
	c.rfidR = rfid.New(rfid.Callbacks{OnRecord: c.onRFIDRecord, OnError: c.onRFIDError})

	can.RegisterStatus(c.onCANStatus)
	can.RegisterFilamentQuery(c.onFilamentQuery)
	can.RegisterMappingSet(c.onMappingSet)
	can.RegisterRFID(c.rfidR.HandleFrame)
	can.RegisterReconnect(c.onCANReconnect)

	printer.RegisterStatusCallback(c.onPrinterStatus)
	printer.RegisterDisconnectCallback(c.onPrinterDisconnect)
	printer.RegisterReconnectCallback(c.onPrinterReconnect)

	return c
}

// Start connects both links (unless dryRun) and begins the background
// sweeper and audit tasks. In dry-run mode every component is wired but no
// socket or websocket is opened, matching --dry-run's validate-only intent.
func (c *Coordinator) Start(ctx context.Context, dryRun bool) error {
	c.stop = make(chan struct{})

	if !dryRun {
		if err := c.can.Connect(); err != nil {
			return err
		}
		if err := c.printer.Connect(); err != nil {
			return err
		}
	}

	c.sm.Fire(ctx, statemachine.EvtInitComplete)

	go c.rfidSweepLoop(ctx)
	go c.auditLoop(ctx)
	if c.spool != nil && c.cfg.Spoolman.Enabled {
		go c.spoolmanHealthLoop(ctx)
	}

	return nil
}

// Stop disconnects both links and halts the background tasks.
func (c *Coordinator) Stop() {
	if c.stop != nil {
		close(c.stop)
	}
	c.can.Disconnect()
	c.printer.Disconnect()
}

func (c *Coordinator) rfidSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(rfidSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.rfidR.Sweep()
		}
	}
}

// spoolmanHealthLoop mirrors the teacher's StartHealthCheck ticker, polling
// Spoolman's health endpoint so connection-state log lines reflect reality
// even when no RFID sync has been attempted recently.
func (c *Coordinator) spoolmanHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(spoolmanHealthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.spool.CheckConnection()
		}
	}
}

// auditLoop periodically compares the coordinator's last-sent printer state
// to the printer link's live cache, re-syncing on divergence (covers a
// reconnect whose callback fired before the coordinator had registered, or
// any other silent drift).
func (c *Coordinator) auditLoop(ctx context.Context) {
	ticker := time.NewTicker(auditPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.printer.Connected() {
				continue
			}
			snap := c.printer.Snapshot()
			c.mu.Lock()
			diverged := c.lastPrintState != snap.PrintState
			c.mu.Unlock()
			if diverged {
				c.logger.Printf("state-sync audit: divergence detected, resyncing")
				c.resync(ctx)
			}
		}
	}
}

// onCANStatus handles any CAN command not otherwise classified by the link
// (QUERY_FILAMENT_STATUS, SET_FEEDER_MAPPING and the RFID family are routed
// to their own callbacks before reaching here).
func (c *Coordinator) onCANStatus(ev canlink.StatusEvent) {
	c.logger.Printf("unclassified CAN frame: %s status=%d progress=%d err=%d", ev.Command, ev.Status, ev.Progress, ev.ErrCode)
}

func (c *Coordinator) onFilamentQuery() {
	c.sendFilamentStatus()
}

func (c *Coordinator) onMappingSet(left, right byte) {
	result := c.mapStore.SetFromRemote(left, right)
	if !result.Accepted {
		c.logger.Printf("rejected SET_FEEDER_MAPPING(%d,%d): out of range or not distinct", left, right)
		return
	}

	status := byte(0)
	if result.PersistFailed {
		status = 1
		c.logger.Printf("mapping persisted in memory but config rewrite failed")
	}
	if err := c.can.Send(canlink.FeederMappingResponse(result.Left, result.Right, status)); err != nil {
		c.logger.Printf("FEEDER_MAPPING_RESPONSE send failed: %v", err)
	}

	c.sendFilamentStatus()
}

// onCANReconnect implements the CAN side of the reconnect re-sync: query
// the mapping to realign with the cabinet, per §4.1's "query the mapping
// once stable".
func (c *Coordinator) onCANReconnect() {
	if err := c.can.Send(canlink.QueryFeederMapping()); err != nil {
		c.logger.Printf("post-reconnect QUERY_FEEDER_MAPPING failed: %v", err)
	}
	c.resync(context.Background())
}

// onPrinterReconnect implements the printer side of the reconnect re-sync.
func (c *Coordinator) onPrinterReconnect() {
	c.resync(context.Background())
}

func (c *Coordinator) onPrinterDisconnect() {
	c.mu.Lock()
	c.lastPrintState = ""
	c.mu.Unlock()
	c.sendFilamentStatus()
}

// resync re-subscribes the printer's objects to force a fresh status burst,
// waits briefly for it to land, then resends the current printer state and
// filament bitmap. If the printer link is down, it is skipped entirely;
// the printer link's own reconnect will eventually drive a status push.
func (c *Coordinator) resync(ctx context.Context) {
	if !c.printer.Connected() {
		return
	}
	if err := c.printer.Resubscribe(); err != nil {
		c.logger.Printf("resync resubscribe failed: %v", err)
	}
	time.Sleep(reconnectSettleDelay)

	snap := c.printer.Snapshot()
	c.forwardPrinterState(snap.PrintState)
	c.sendFilamentStatus()
}

// onPrinterStatus is the single entry point for every status delta from
// the printer link: it updates the active extruder, drives the runout
// state machine, forwards print-state changes to CAN, and recomputes the
// filament bitmap on sensor change.
func (c *Coordinator) onPrinterStatus(raw map[string]any) {
	ctx := context.Background()
	snap := c.printer.Snapshot()

	c.sm.SetActiveExtruder(snap.ActiveExtruder)

	if c.printStateChanged(snap.PrintState) {
		c.forwardPrinterState(snap.PrintState)
		c.fireStateMachineEvent(ctx, snap.PrintState)
	}

	if c.sensorsChanged(raw) {
		for _, sensor := range c.cfg.Runout.Sensors {
			present, ok := snap.Sensors[sensor.Name]
			if !ok {
				continue
			}
			c.sm.HandleSensorChange(ctx, sensor.Extruder, present)
			c.maybeRequestRFID(sensor.Extruder, present)
		}
		c.sendFilamentStatus()
	}
}

func (c *Coordinator) printStateChanged(state string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state == "" || state == c.lastPrintState {
		return false
	}
	c.lastPrintState = state
	return true
}

// sensorsChanged reports whether the raw delta touched any
// filament_switch_sensor object, so onPrinterStatus only re-evaluates
// runout logic and the bitmap when a sensor actually moved.
func (c *Coordinator) sensorsChanged(raw map[string]any) bool {
	changed := false
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range raw {
		if !strings.HasPrefix(key, "filament_switch_sensor ") {
			continue
		}
		name := strings.TrimPrefix(key, "filament_switch_sensor ")
		snap := c.printer.Snapshot()
		present, ok := snap.Sensors[name]
		if !ok {
			continue
		}
		if cached, ok := c.sensorCache[name]; !ok || cached != present {
			c.sensorCache[name] = present
			changed = true
		}
	}
	return changed
}

// forwardPrinterState maps the printer's print_state to a single CAN
// command and sends it.
func (c *Coordinator) forwardPrinterState(state string) {
	cmd, ok := printStateToCommand(state)
	if !ok {
		return
	}
	if err := c.can.Send(canlink.PrinterState(cmd, byte(c.sm.ActiveExtruder()))); err != nil {
		c.logger.Printf("printer-state forward failed: %v", err)
	}
}

func printStateToCommand(state string) (canlink.Command, bool) {
	switch state {
	case "printing":
		return canlink.CmdPrinting, true
	case "paused":
		return canlink.CmdPrintPause, true
	case "complete":
		return canlink.CmdPrintComplete, true
	case "cancelled":
		return canlink.CmdPrintCancel, true
	case "standby", "ready":
		return canlink.CmdPrinterIdle, true
	case "error":
		return canlink.CmdPrinterError, true
	default:
		return 0, false
	}
}

func (c *Coordinator) fireStateMachineEvent(ctx context.Context, state string) {
	switch state {
	case "printing":
		c.sm.Fire(ctx, statemachine.EvtPrinterPrinting)
	case "paused":
		c.sm.Fire(ctx, statemachine.EvtPrinterPaused)
	case "complete":
		c.sm.Fire(ctx, statemachine.EvtPrinterComplete)
	case "cancelled":
		c.sm.Fire(ctx, statemachine.EvtPrinterCancelled)
	case "error":
		c.sm.Fire(ctx, statemachine.EvtPrinterError)
	case "standby", "ready":
		c.sm.Fire(ctx, statemachine.EvtPrinterReady)
	}
}

func (c *Coordinator) sensorPresent(extruder int) bool {
	snap := c.printer.Snapshot()
	for _, sensor := range c.cfg.Runout.Sensors {
		if sensor.Extruder == extruder {
			return snap.Sensors[sensor.Name]
		}
	}
	return true
}

func (c *Coordinator) extruderTemperature(extruder int) float64 {
	snap := c.printer.Snapshot()
	return snap.Extruders[extruder].Temperature
}
