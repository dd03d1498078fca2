package app

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/womat/debug"
	"go.uber.org/multierr"

	"radarkit/pkg/app/config"
)

// ProbeResult is the outcome of probing one sensor slot.
type ProbeResult struct {
	Sensor          int
	Start           error
	Select          error
	Deselect        error
	InterruptActive bool
	Stop            error
}

// Failed reports whether any step failed.
func (r ProbeResult) Failed() bool {
	return r.Start != nil || r.Select != nil || r.Deselect != nil || r.Stop != nil
}

// Probe powers every sensor slot in turn, selects and deselects it, reads its interrupt line
// and stops it again. The results are written as a table to w.
func Probe(cfg *config.Config, w io.Writer) (results []ProbeResult, err error) {
	hw, err := openHardware(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, hw.close())
	}()

	for id := 1; id <= hw.board.SensorCount(); id++ {
		r := ProbeResult{Sensor: id}
		if r.Start = hw.hal.PowerOn(id); r.Start == nil {
			r.Select = hw.hal.Select(id, true)
			r.Deselect = hw.hal.Select(id, false)
			r.InterruptActive = hw.hal.IsInterruptActive(id)
			r.Stop = hw.hal.PowerOff(id)
		}
		if r.Failed() {
			debug.WarningLog.Printf("probe of sensor %d failed", id)
		}
		results = append(results, r)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SENSOR\tSTART\tSELECT\tDESELECT\tINTERRUPT\tSTOP")
	for _, r := range results {
		if r.Start != nil {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\t-\n", r.Sensor, outcome(r.Start))
			continue
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%s\n",
			r.Sensor, outcome(r.Start), outcome(r.Select), outcome(r.Deselect), r.InterruptActive, outcome(r.Stop))
	}
	return results, tw.Flush()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
