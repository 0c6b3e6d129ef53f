package output

import (
	"fmt"
	"io"

	"github.com/torosent/crankswarm/internal/coordinator"
)

// ProgressPrinter returns a coordinator progress callback that writes one
// line per crossed tenth. Counts are approximate since reports may arrive
// late or twice.
func ProgressPrinter(w io.Writer, cs *ColorScheme) func(coordinator.Progress) {
	if w == nil {
		w = io.Discard
	}
	if cs == nil {
		cs = NoColorScheme()
	}
	return func(p coordinator.Progress) {
		fmt.Fprintf(w, "%s %s (%d of ~%d requests)\n",
			cs.Label.Sprint("Progress:"), cs.Value.Sprintf("%3d%%", p.Percent), p.Completed, p.Expected)
	}
}
