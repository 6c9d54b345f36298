package exfat

import (
	"github.com/pkg/errors"

	"github.com/rimgen/fsimage/engine"
)

// validateName rejects names ExFAT cannot represent (spec.md §4.5.2):
// empty, too long, containing a control character, or containing a
// character reserved by the on-disk name encoding.
func validateName(name string) error {
	if name == "" {
		return errors.Wrap(engine.ErrNameInvalid, "empty name")
	}
	units := utf16Encode(name)
	if len(units) > maxNameLength {
		return errors.Wrapf(engine.ErrNameInvalid, "name %q exceeds %d UTF-16 units", name, maxNameLength)
	}
	for _, r := range name {
		switch r {
		case 0, '"', '*', '/', ':', '<', '>', '?', '\\', '|':
			return errors.Wrapf(engine.ErrNameInvalid, "name %q contains a reserved character %q", name, r)
		}
		if r < 0x20 {
			return errors.Wrapf(engine.ErrNameInvalid, "name %q contains a control character", name)
		}
	}
	return nil
}

// normalizedKey is the case-insensitive comparison key for a name,
// built from the on-disk up-case table (spec.md §3.3: "Case-insensitive
// via upcase table").
func normalizedKey(name string) string {
	return utf16Decode(upcaseString(utf16Encode(name)))
}
