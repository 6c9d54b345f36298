package ext4

import "fmt"

const (
	// KB represents one KB
	KB int64 = 1024
	// MB represents one MB
	MB int64 = 1024 * KB
	// GB represents one GB
	GB int64 = 1024 * MB

	sectorSize512  = 512
	superblockSize = 1024 // bytes, fixed regardless of block size
)

// stringToASCIIBytes converts s to a byte slice, erroring on any
// non-ASCII rune.
func stringToASCIIBytes(s string) ([]byte, error) {
	r := []rune(s)
	b := make([]byte, len(r))
	for i, c := range r {
		if c > 255 {
			return nil, fmt.Errorf("non-ASCII character in name: %s", s)
		}
		b[i] = byte(c)
	}
	return b, nil
}

// putASCII copies s into dst left-justified, zero-padding the
// remainder. It truncates s if it does not fit.
func putASCII(dst []byte, s string) {
	b, err := stringToASCIIBytes(s)
	if err != nil {
		b = []byte(s)
	}
	if len(b) > len(dst) {
		b = b[:len(dst)]
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, b)
}
