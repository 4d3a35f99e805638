package multirole

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/multirole/internal/att"
	"github.com/chaz8081/multirole/internal/link"
)

// ErrNoResources is returned when the transport had no buffer for a write.
var ErrNoResources = errors.New("multirole: no resources for write")

// writeToAllCentralLinks writes value to handles[i] of every occupied slot
// i whose link was formed as central. Slots whose handle is not discovered
// yet are skipped. The first failure stops the iteration and is returned;
// writes already issued stay issued.
func (d *Device) writeToAllCentralLinks(value []byte, handles []uint16) error {
	if len(handles) < d.links.Cap() {
		panic(fmt.Sprintf("multirole: %d handles for %d slots", len(handles), d.links.Cap()))
	}
	for i := 0; i < d.links.Cap(); i++ {
		s := d.links.Slot(i)
		if s.Free() || s.Role != link.RoleCentral {
			continue
		}
		if handles[i] == 0 {
			slog.Debug("[MULTI] skipping undiscovered link", "conn", s.Handle, "slot", i)
			continue
		}
		err := d.tr.WriteAttribute(s.Handle, handles[i], value, true)
		if err == nil {
			continue
		}
		if errors.Is(err, att.ErrBufferUnavailable) {
			return fmt.Errorf("%w: link 0x%04X: %w", ErrNoResources, uint16(s.Handle), err)
		}
		return fmt.Errorf("multirole: write to link 0x%04X: %w", uint16(s.Handle), err)
	}
	return nil
}
