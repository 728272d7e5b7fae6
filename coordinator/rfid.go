package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/filbridge/filbridge/canlink"
	"github.com/filbridge/filbridge/rfid"
)

// maybeRequestRFID triggers an RFID_REQUEST when a sensor transitions to
// present and no OpenTag record has been cached yet for that extruder. This
// is the spool-on-insert flow: a tag placed in the cabinet is read without
// the operator having to separately ask for it.
func (c *Coordinator) maybeRequestRFID(extruder int, present bool) {
	if !c.cfg.RFID.Enabled || !present {
		return
	}

	c.mu.Lock()
	_, known := c.completedRFID[extruder]
	c.mu.Unlock()
	if known {
		return
	}

	if err := c.can.Send(canlink.RFIDRequest(byte(extruder))); err != nil {
		c.logger.Printf("RFID_REQUEST send failed: %v", err)
	}
}

// onRFIDRecord handles a successfully decoded OpenTag record: caches it,
// persists it to the RFID data directory, optionally sets the nozzle
// temperature, and syncs it to Spoolman.
func (c *Coordinator) onRFIDRecord(rec rfid.Record) {
	c.logger.Printf("RFID record decoded for extruder %d: %s %s", rec.ExtruderID, rec.Tag.Manufacturer, rec.Tag.MaterialName)

	c.mu.Lock()
	c.completedRFID[int(rec.ExtruderID)] = rec
	c.mu.Unlock()

	if c.cfg.RFID.DataDir != "" {
		if err := persistRFIDRecord(c.cfg.RFID.DataDir, rec); err != nil {
			c.logger.Printf("persisting RFID record failed: %v", err)
		}
	}

	if c.cfg.RFID.AutoSetTemperature && rec.Tag.PrintTemp > 0 {
		gcode := fmt.Sprintf("M104 T%d S%d", rec.ExtruderID, rec.Tag.PrintTemp)
		if err := c.printer.SendGCode(gcode); err != nil {
			c.logger.Printf("auto_set_temperature gcode failed: %v", err)
		}
	}

	if c.spool != nil && c.cfg.Spoolman.Enabled && c.cfg.Spoolman.AutoSyncRFID {
		go c.syncToSpoolman(rec)
	}
}

func (c *Coordinator) syncToSpoolman(rec rfid.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := c.spool.Sync(ctx, rec.Tag)
	if err != nil {
		c.logger.Printf("spoolman sync failed for extruder %d: %v", rec.ExtruderID, err)
		return
	}
	c.logger.Printf("spoolman sync ok: vendor=%d filament=%d spool=%d", result.VendorID, result.FilamentID, result.SpoolID)
}

func (c *Coordinator) onRFIDError(ev rfid.ErrorEvent) {
	c.logger.Printf("RFID read failed on extruder %d: %s", ev.ExtruderID, ev.Reason)
}

// persistRFIDRecord writes the decoded tag as <data_dir>/<extruder_id>-<unix_time>.json.
func persistRFIDRecord(dir string, rec rfid.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	name := fmt.Sprintf("%d-%d.json", rec.ExtruderID, time.Now().Unix())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
