package exfat

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const defaultScratchBuf = 64 * 1024

const attrDirectory = 0x10
const attrArchive = 0x20

// dirFrame is the Injector's context-stack entry for one open directory
// (spec.md §4.5.1). selfStreamOffset points at the byte offset, within
// the parent's cluster chain, of this directory's own Stream Extension
// entry's DataLength/ValidDataLength fields, so EndDir can patch them
// if the directory grew past its initial cluster. Root has no parent
// entry, so selfStreamOffset is -1 for it.
type dirFrame struct {
	head             ClusterID
	cur              ClusterID
	offset           int64
	clusterCount     uint32
	selfStreamOffset int64
	names            map[string]bool
}

// Injector streams a host fsnode.Node tree into a formatted ExFAT
// image (spec.md §4.5).
type Injector struct {
	store      store.Store
	meta       *Meta
	alloc      *Allocator
	chain      chain
	stack      []*dirFrame
	scratchLen int
	log        *logrus.Entry
}

func NewInjector(s store.Store, m *Meta, alloc *Allocator, scratchLen int) *Injector {
	if scratchLen <= 0 {
		scratchLen = defaultScratchBuf
	}
	return &Injector{store: s, meta: m, alloc: alloc, chain: make(chain), scratchLen: scratchLen,
		log: logrus.WithField("fs", "exfat")}
}

func (inj *Injector) Inject(root *fsnode.Node) error {
	return engine.InjectTree(inj, root)
}

func (inj *Injector) top() *dirFrame { return inj.stack[len(inj.stack)-1] }

func (inj *Injector) SetRootContext(root *fsnode.Node) error {
	if len(inj.stack) != 0 {
		return errors.New("exfat: SetRootContext called more than once")
	}
	inj.stack = append(inj.stack, &dirFrame{
		head: inj.meta.RootCluster, cur: inj.meta.RootCluster,
		// the root cluster already holds the bitmap/upcase/label
		// primary entries the Formatter wrote; start appending after
		// them.
		offset:           inj.rootPreambleSize(),
		clusterCount:     1,
		selfStreamOffset: -1,
		names:            map[string]bool{},
	})
	return nil
}

func (inj *Injector) rootPreambleSize() int64 {
	n := int64(2) // bitmap + upcase
	if inj.meta.Label != "" {
		n++
	}
	return n * entrySize
}

func (inj *Injector) checkCollision(frame *dirFrame, name string) error {
	if frame.names[normalizedKey(name)] {
		return errors.Wrapf(engine.ErrNameCollision, "duplicate name %q", name)
	}
	return nil
}

func timestampFields(t time.Time) [4]byte {
	if t.IsZero() {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date := uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tm := uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	var out [4]byte
	out[0], out[1] = byte(tm), byte(tm>>8)
	out[2], out[3] = byte(date), byte(date>>8)
	return out
}

// ensureSpace extends frame by one FAT-chained cluster if fewer than
// need bytes remain in its current cluster, patching the parent's
// Stream Extension DataLength/ValidDataLength if frame tracks one
// (spec.md §4.5.4). Callers must recompute any offset derived from
// frame.cur/frame.offset only after calling this.
func (inj *Injector) ensureSpace(frame *dirFrame, need int64) error {
	remain := inj.meta.ClusterSize - frame.offset
	if remain >= need {
		return nil
	}

	next, err := inj.allocDirCluster()
	if err != nil {
		return err
	}
	inj.chain[frame.cur] = next
	inj.chain[next] = 0
	frame.cur = next
	frame.offset = 0
	frame.clusterCount++

	if frame.selfStreamOffset >= 0 {
		newLen := uint64(frame.clusterCount) * uint64(inj.meta.ClusterSize)
		var lenBytes [8]byte
		putU64(lenBytes[:], newLen)
		if err := inj.store.WriteAt(lenBytes[:], frame.selfStreamOffset+8); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
		if err := inj.store.WriteAt(lenBytes[:], frame.selfStreamOffset+24); err != nil {
			return errors.Wrap(engine.ErrIO, err.Error())
		}
	}
	return nil
}

// appendEntrySet writes raw into the current directory at its current
// offset, extending first via ensureSpace if needed, and returns the
// absolute store offset the entry set was written at.
func (inj *Injector) appendEntrySet(frame *dirFrame, raw []byte) (int64, error) {
	need := int64(len(raw))
	if err := inj.ensureSpace(frame, need); err != nil {
		return 0, err
	}
	at := inj.meta.ClusterOffset(frame.cur) + frame.offset
	if err := inj.store.WriteAt(raw, at); err != nil {
		return 0, errors.Wrap(engine.ErrIO, err.Error())
	}
	frame.offset += need
	return at, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (inj *Injector) allocDirCluster() (ClusterID, error) {
	c, err := inj.alloc.AllocOne()
	if err != nil {
		return 0, errors.Wrap(err, "exfat: directory extension")
	}
	zero := make([]byte, inj.meta.ClusterSize)
	if err := inj.store.WriteAt(zero, inj.meta.ClusterOffset(c)); err != nil {
		return 0, errors.Wrap(engine.ErrIO, err.Error())
	}
	return c, nil
}

// Mkdir allocates a directory's initial cluster, appends its entry set
// to the parent, and pushes a new context-stack frame. ExFAT
// directories carry no "."/".." entries on disk (spec.md §9: the
// context stack, not a disk pointer, tracks the path).
func (inj *Injector) Mkdir(name string, attrs fsnode.Attributes) error {
	if err := validateName(name); err != nil {
		return err
	}
	parent := inj.top()
	if err := inj.checkCollision(parent, name); err != nil {
		return err
	}

	newCluster, err := inj.allocDirCluster()
	if err != nil {
		return err
	}
	inj.chain[newCluster] = 0

	created := timestampFields(attrs.Created)
	modified := timestampFields(attrs.Modified)
	fe := &fileEntrySet{
		attrs:        attrDirectory,
		created:      created,
		modified:     modified,
		accessed:     modified,
		noFatChain:   false,
		validLength:  uint64(inj.meta.ClusterSize),
		dataLength:   uint64(inj.meta.ClusterSize),
		firstCluster: newCluster,
		nameUnits:    utf16Encode(name),
	}
	raw := fe.encode()
	entryOffset, err := inj.appendEntrySet(parent, raw)
	if err != nil {
		return err
	}
	streamOffset := entryOffset + entrySize
	parent.names[normalizedKey(name)] = true

	inj.stack = append(inj.stack, &dirFrame{
		head: newCluster, cur: newCluster, offset: 0,
		clusterCount:     1,
		selfStreamOffset: streamOffset,
		names:            map[string]bool{},
	})
	return nil
}

// WriteFile streams source through the configured scratch buffer,
// allocating the longest contiguous run available each pass. When the
// whole file lands in one run, NoFatChain is set and the FAT is never
// touched for this file (spec.md §3.3, §4.5.3); otherwise the clusters
// are chained through the FAT.
func (inj *Injector) WriteFile(name string, source io.Reader, length int64, attrs fsnode.Attributes) error {
	if err := validateName(name); err != nil {
		return err
	}
	if attrs.Symlink != "" {
		return errors.Wrap(engine.ErrNotSymlinkCapable, "exfat")
	}
	parent := inj.top()
	if err := inj.checkCollision(parent, name); err != nil {
		return err
	}

	var first ClusterID
	var runs []Handle
	remaining := length
	scratch := make([]byte, inj.scratchLen)

	for remaining > 0 {
		clustersNeeded := uint32((remaining + inj.meta.ClusterSize - 1) / inj.meta.ClusterSize)
		h, err := inj.alloc.AllocRun(clustersNeeded)
		if err != nil {
			return err
		}
		runs = append(runs, h)
		if first == 0 {
			first = h.First
		}

		for i := uint32(0); i < h.Length && remaining > 0; i++ {
			cl := h.First + ClusterID(i)
			toWrite := inj.meta.ClusterSize
			if remaining < toWrite {
				toWrite = remaining
			}
			n, err := io.ReadFull(source, scratch[:toWrite])
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return errors.Wrap(engine.ErrIO, err.Error())
			}
			buf := scratch[:n]
			if int64(n) < inj.meta.ClusterSize && i == h.Length-1 {
				padded := make([]byte, inj.meta.ClusterSize)
				copy(padded, buf)
				buf = padded
			}
			if err := inj.store.WriteAt(buf, inj.meta.ClusterOffset(cl)); err != nil {
				return errors.Wrap(engine.ErrIO, err.Error())
			}
			remaining -= int64(n)
		}
	}

	// a file that landed in one contiguous run never touches the FAT;
	// only a fragmented one registers its chain for Flush to serialize.
	noFatChain := len(runs) <= 1
	if !noFatChain {
		for idx, h := range runs {
			last := inj.chain.linkRun(h.First, h.Length)
			if idx+1 < len(runs) {
				inj.chain[last] = runs[idx+1].First
			}
		}
	}

	created := timestampFields(attrs.Created)
	modified := timestampFields(attrs.Modified)
	fe := &fileEntrySet{
		attrs:        attrArchive,
		created:      created,
		modified:     modified,
		accessed:     modified,
		noFatChain:   noFatChain,
		validLength:  uint64(length),
		dataLength:   uint64(length),
		firstCluster: first,
		nameUnits:    utf16Encode(name),
	}
	raw := fe.encode()
	if _, err := inj.appendEntrySet(parent, raw); err != nil {
		return err
	}
	parent.names[normalizedKey(name)] = true
	return nil
}

// EndDir pops the context stack. The parent's Stream Extension entry
// was already kept current by appendEntrySet as the directory grew, so
// there is nothing left to patch here.
func (inj *Injector) EndDir() error {
	if len(inj.stack) <= 1 {
		return errors.New("exfat: EndDir called with no open directory")
	}
	inj.stack = inj.stack[:len(inj.stack)-1]
	return nil
}

// Flush serializes the allocation bitmap and the FAT chains of
// fragmented files, then calls store.Flush (spec.md §4.5.5).
func (inj *Injector) Flush() error {
	if err := inj.store.WriteAt(inj.alloc.Bitmap(), inj.meta.ClusterOffset(inj.meta.BitmapCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	if err := writeFAT(inj.store, inj.meta, inj.chain); err != nil {
		return err
	}
	return inj.store.Flush()
}
