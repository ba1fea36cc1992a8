package logic

import (
	"log"
	"time"

	"github.com/sweeney/hrv-fanctl/internal/fan"
)

// StartCalibration enters calibration. A running calibration restarts from
// the first mode and discards what it has collected.
func (c *Controller) StartCalibration() {
	if c.mode == ModeCalibrating {
		log.Printf("calibration: restart requested")
	}
	c.mode = ModeCalibrating
	c.calRunning = false
	c.stepRunning = false
}

// CalibrationMode returns the mode being calibrated.
func (c *Controller) CalibrationMode() int { return c.calMode }

func (c *Controller) calibrationTick(now time.Time, dt time.Duration) {
	if !c.calRunning {
		c.calRunning = true
		c.calStart = now
		c.calMode = 0
		c.stepRunning = false
		c.law = fan.TableLookup
		for _, f := range c.fans {
			f.ResetRegulator()
		}
		log.Printf("calibration: started, %d modes", c.fans[0].ModeCount())
		c.publishCalibration(now, CalibrationRunning)
	}

	if now.Sub(c.calStart) >= c.cfg.CalibrationTimeout {
		log.Printf("calibration: timed out after %v in mode %d", now.Sub(c.calStart), c.calMode)
		c.stopCalibration(now, CalibrationTimeout)
		return
	}

	if !c.stepRunning {
		c.stepRunning = true
		c.stepStart = now
		for _, f := range c.fans {
			f.PrepareCalibration()
		}
		log.Printf("calibration: mode %d", c.calMode)
	}

	if now.Sub(c.stepStart) > c.cfg.StepTimeout {
		log.Printf("calibration: mode %d timed out (fan1 %d, fan2 %d good samples)",
			c.calMode, c.fans[0].GoodSamples(), c.fans[1].GoodSamples())
		c.stopCalibration(now, CalibrationTimeout)
		return
	}

	done1 := c.fans[0].CalibrationStep(c.calMode, dt)
	done2 := c.fans[1].CalibrationStep(c.calMode, dt)
	c.apply()

	if !done1 || !done2 {
		return
	}
	if c.calMode+1 < c.fans[0].ModeCount() {
		c.calMode++
		c.stepRunning = false
		return
	}

	for _, f := range c.fans {
		f.FinishCalibration()
	}
	c.StoreTables()
	log.Printf("calibration: finished, fan1 %v, fan2 %v", c.fans[0].Table(), c.fans[1].Table())
	c.stopCalibration(now, CalibrationOK)
}

func (c *Controller) stopCalibration(now time.Time, result CalibrationStatus) {
	c.mode = ModeNormal
	c.calRunning = false
	c.stepRunning = false
	if result == CalibrationOK {
		c.counts.Calibrations++
	} else {
		c.counts.CalibrationsFailed++
	}
	c.publishCalibration(now, result)
}

func (c *Controller) publishCalibration(now time.Time, s CalibrationStatus) {
	c.lastResult = s
	if err := c.reporter.Publish(Event{Timestamp: now, Type: EventCalibration, Text: string(s)}); err != nil {
		log.Printf("calibration: report %s: %v", s, err)
	}
}
