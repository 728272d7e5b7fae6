package coordinator

import (
	"context"
	"fmt"

	"github.com/filbridge/filbridge/canlink"
	"github.com/filbridge/filbridge/statemachine"
)

// Pause implements statemachine.Actions: sends the printer a PAUSE gcode.
// A failure here is recorded on the machine rather than returned, since the
// fsm callback that invoked us has no error path of its own.
func (c *Coordinator) Pause(ctx context.Context) {
	if err := c.printer.Pause(); err != nil {
		c.logger.Printf("pause action failed: %v", err)
		c.sm.RecordFailure(ctx, fmt.Sprintf("pause failed: %v", err))
	}
}

// RequestFeed implements statemachine.Actions: asks the cabinet to feed the
// given tube over CAN.
func (c *Coordinator) RequestFeed(ctx context.Context, tube byte) {
	if err := c.can.Send(canlink.RequestFeed(tube)); err != nil {
		c.logger.Printf("request feed action failed: %v", err)
		c.sm.RecordFailure(ctx, fmt.Sprintf("request feed failed: %v", err))
	}
}

// PrimeAndResume implements statemachine.Actions: primes the nozzle with a
// short relative extrusion move when hot enough, then resumes the print.
func (c *Coordinator) PrimeAndResume(ctx context.Context, extruderTemp float64) {
	if extruderTemp > statemachine.PrimeThreshold {
		for _, gcode := range []string{"G91", "G1 E100 F600", "G90"} {
			if err := c.printer.SendGCode(gcode); err != nil {
				c.logger.Printf("prime extrusion failed: %v", err)
				break
			}
		}
	} else {
		c.logger.Printf("nozzle at %.1fC, below prime threshold %.1fC, resuming without priming", extruderTemp, statemachine.PrimeThreshold)
	}
	if err := c.printer.Resume(); err != nil {
		c.logger.Printf("resume action failed: %v", err)
		c.sm.RecordFailure(ctx, fmt.Sprintf("resume failed: %v", err))
	}
}

// EmitPrinterError implements statemachine.Actions: reports ERROR state to
// the cabinet so it stops dispensing. It runs inside the machine's ERROR
// entry callback, so it reads the active extruder from the printer snapshot
// rather than from the machine, whose lock Fire holds at that point.
func (c *Coordinator) EmitPrinterError(ctx context.Context) {
	if err := c.can.Send(canlink.PrinterState(canlink.CmdPrinterError, byte(c.printer.Snapshot().ActiveExtruder))); err != nil {
		c.logger.Printf("emit printer error failed: %v", err)
	}
}
