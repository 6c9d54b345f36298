package fat32

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rimgen/fsimage/engine"
)

// foldCase is the case-insensitive normalization FAT32 long names are
// compared under (spec.md §4.5.2). golang.org/x/text/cases gives
// Unicode-aware uppercasing rather than the ASCII-only strings.ToUpper.
var foldCase = cases.Upper(language.Und)

func normalizeName(name string) string {
	return foldCase.String(name)
}

// validateLongName rejects names FAT32 cannot represent: empty, too
// long, containing NUL, or containing a character reserved by the
// short-name/LFN encoding.
func validateLongName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(engine.ErrNameInvalid, "%q is not a representable FAT32 name", name)
	}
	if len([]rune(name)) > 255 {
		return errors.Wrapf(engine.ErrNameInvalid, "name %q exceeds 255 UCS-2 units", name)
	}
	for _, r := range name {
		switch r {
		case 0, '"', '*', '/', ':', '<', '>', '?', '\\', '|':
			return errors.Wrapf(engine.ErrNameInvalid, "name %q contains a reserved character %q", name, r)
		}
	}
	return nil
}

func sanitizeShortComponent(s string, maxLen int) string {
	s = foldCase.String(s)
	out := make([]byte, 0, maxLen)
	for _, r := range s {
		if len(out) >= maxLen {
			break
		}
		if r == ' ' {
			continue
		}
		if r > 127 {
			out = append(out, '_')
			continue
		}
		c := byte(r)
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case strings.ContainsRune("$%'-_@~`!(){}^#&", r):
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		out = []byte{'_'}
	}
	return string(out)
}

func splitBaseExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// makeShortName synthesizes an 8.3 short name unique within taken,
// following spec.md §4.5.2: uppercase-fold, sanitize, truncate the base
// to 6 chars, append ~N for the lowest N making the result unique.
func makeShortName(longName string, taken map[[11]byte]bool) ([11]byte, error) {
	baseRaw, extRaw := splitBaseExt(longName)
	base := sanitizeShortComponent(baseRaw, 6)
	ext := sanitizeShortComponent(extRaw, 3)
	if extRaw == "" {
		ext = ""
	}

	for n := 1; n < 100000; n++ {
		suffix := []byte("~" + strconv.Itoa(n))
		b := base
		maxBase := 8 - len(suffix)
		if maxBase < 1 {
			continue
		}
		if len(b) > maxBase {
			b = b[:maxBase]
		}
		cand := b + string(suffix)

		var short [11]byte
		for i := range short {
			short[i] = ' '
		}
		copy(short[0:len(cand)], []byte(cand))
		copy(short[8:8+len(ext)], []byte(ext))
		if !taken[short] {
			return short, nil
		}
	}
	return [11]byte{}, errors.Wrap(engine.ErrNameCollision, "exhausted short-name suffixes")
}
