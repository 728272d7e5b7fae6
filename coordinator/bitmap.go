package coordinator

import "github.com/filbridge/filbridge/canlink"

// computeBitmap derives the two-bit filament-presence bitmap from the
// current sensor snapshot, mapped through the tube<->extruder mapping: bit 0
// is tube 0, bit 1 is tube 1. valid is false only when runout sensing is
// disabled or the printer link is disconnected; an unmapped tube or a sensor
// with no cached reading yet simply contributes an absent (0) bit, matching
// the cabinet's own _handle_filament_status_query semantics.
func (c *Coordinator) computeBitmap() (bitmap byte, valid bool) {
	if !c.cfg.Runout.Enabled || !c.printer.Connected() {
		return 0, false
	}

	snap := c.printer.Snapshot()
	sensorByExtruder := make(map[int]string, len(c.cfg.Runout.Sensors))
	for _, s := range c.cfg.Runout.Sensors {
		sensorByExtruder[s.Extruder] = s.Name
	}

	for tube := byte(0); tube < 2; tube++ {
		extruder, ok := c.mapStore.ExtruderForTube(tube)
		if !ok {
			continue
		}
		name, ok := sensorByExtruder[int(extruder)]
		if !ok {
			continue
		}
		present, ok := snap.Sensors[name]
		if !ok {
			continue
		}
		if present {
			bitmap |= 1 << tube
		}
	}
	return bitmap, true
}

// sendFilamentStatus recomputes and sends FILAMENT_STATUS_RESPONSE on every
// call, recording the values sent. Repeated sensor reports with an unchanged
// value are filtered earlier, by sensorsChanged in onPrinterStatus.
func (c *Coordinator) sendFilamentStatus() {
	bitmap, valid := c.computeBitmap()

	c.mu.Lock()
	c.lastBitmap = bitmap
	c.lastBitmapValid = valid
	c.mu.Unlock()

	if err := c.can.Send(canlink.FilamentStatusResponse(valid, bitmap)); err != nil {
		c.logger.Printf("FILAMENT_STATUS_RESPONSE send failed: %v", err)
	}
}
