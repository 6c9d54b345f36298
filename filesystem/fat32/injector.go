package fat32

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const defaultScratchBuf = 64 * 1024

// dirFrame is the Injector's context-stack entry for one open directory
// (spec.md §4.5.1): the chain head, the cluster currently being
// appended to, the byte offset of the next free slot in that cluster,
// and the in-memory bookkeeping needed for collision detection and
// short-name synthesis.
type dirFrame struct {
	head       ClusterID
	cur        ClusterID
	offset     int64
	names      map[string]bool
	shortNames map[[11]byte]bool
}

// Injector streams a host fsnode.Node tree into a formatted FAT32
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

// NewInjector constructs an Injector over a freshly formatted image.
// scratchLen is the streaming buffer size (spec.md §4.5.3); 0 selects
// the 64 KiB default.
func NewInjector(s store.Store, m *Meta, alloc *Allocator, scratchLen int) *Injector {
	if scratchLen <= 0 {
		scratchLen = defaultScratchBuf
	}
	return &Injector{store: s, meta: m, alloc: alloc, chain: make(chain), scratchLen: scratchLen,
		log: logrus.WithField("fs", "fat32")}
}

// Inject is the convenience entry point driving the full depth-first
// walk via engine.InjectTree.
func (inj *Injector) Inject(root *fsnode.Node) error {
	return engine.InjectTree(inj, root)
}

func (inj *Injector) top() *dirFrame { return inj.stack[len(inj.stack)-1] }

// SetRootContext initializes the first context-stack frame from the
// root directory cluster Meta derives. Must be called exactly once.
func (inj *Injector) SetRootContext(root *fsnode.Node) error {
	if len(inj.stack) != 0 {
		return errors.New("fat32: SetRootContext called more than once")
	}
	inj.stack = append(inj.stack, &dirFrame{
		head: rootCluster, cur: rootCluster, offset: 0,
		names: map[string]bool{}, shortNames: map[[11]byte]bool{},
	})
	return nil
}

func (inj *Injector) checkCollision(frame *dirFrame, name string) error {
	if frame.names[normalizeName(name)] {
		return errors.Wrapf(engine.ErrNameCollision, "duplicate name %q", name)
	}
	return nil
}

// buildEntrySet renders the LFN chain + short entry for one directory
// member into their on-disk byte form.
func (inj *Injector) buildEntrySet(frame *dirFrame, name string, attr byte, cluster ClusterID, size uint32, attrs fsnode.Attributes) ([]byte, error) {
	short, err := makeShortName(name, frame.shortNames)
	if err != nil {
		return nil, err
	}
	frame.shortNames[short] = true

	checksum := shortNameChecksum(short)
	lfns := buildLFNEntries(name, checksum)

	var out []byte
	for _, l := range lfns {
		out = append(out, l.encode()...)
	}

	// zero attribute times fall back to the FAT epoch inside
	// fatDate/fatTime, keeping identical inputs byte-reproducible.
	se := shortDirEntry{
		Name:        short,
		Attr:        attr,
		CrtTime:     fatTime(attrs.Created),
		CrtDate:     fatDate(attrs.Created),
		LastAccDate: fatDate(attrs.Accessed),
		WrtTime:     fatTime(attrs.Modified),
		WrtDate:     fatDate(attrs.Modified),
		FileSize:    size,
	}
	se.setCluster(cluster)
	out = append(out, se.encode()...)
	return out, nil
}

// appendEntrySet writes raw into the current directory, extending the
// directory by one cluster first if there is not enough contiguous room
// left in the current cluster (spec.md §4.5.4). The write is atomic
// from the caller's perspective: either the whole set lands, or an
// error is returned before anything is written.
func (inj *Injector) appendEntrySet(frame *dirFrame, raw []byte) error {
	need := int64(len(raw))
	remain := inj.meta.ClusterSize - frame.offset

	if remain < need {
		if remain > 0 {
			filler := make([]byte, remain)
			for i := int64(0); i < remain; i += bytesPerDirEntry {
				filler[i] = 0xE5
			}
			if err := inj.store.WriteAt(filler, inj.meta.ClusterOffset(frame.cur)+frame.offset); err != nil {
				return errors.Wrap(engine.ErrIO, err.Error())
			}
		}
		next, err := inj.allocDirCluster()
		if err != nil {
			return err
		}
		inj.chain[frame.cur] = next
		inj.chain[next] = 0
		frame.cur = next
		frame.offset = 0
	}

	if err := inj.store.WriteAt(raw, inj.meta.ClusterOffset(frame.cur)+frame.offset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	frame.offset += need
	return nil
}

func (inj *Injector) allocDirCluster() (ClusterID, error) {
	c, err := inj.alloc.AllocOne()
	if err != nil {
		return 0, errors.Wrap(err, "fat32: directory extension")
	}
	zero := make([]byte, inj.meta.ClusterSize)
	if err := inj.store.WriteAt(zero, inj.meta.ClusterOffset(c)); err != nil {
		return 0, errors.Wrap(engine.ErrIO, err.Error())
	}
	return c, nil
}

// Mkdir allocates a directory's initial cluster, writes its "."/".."
// entries, appends the parent's directory entry for it, and pushes a
// new context-stack frame.
func (inj *Injector) Mkdir(name string, attrs fsnode.Attributes) error {
	if err := validateLongName(name); err != nil {
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

	dotTaken := map[[11]byte]bool{}
	var dotEntries []byte
	parentHeadForDotDot := parent.head
	if parent.head == rootCluster {
		parentHeadForDotDot = 0
	}
	dotShort := [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotDotShort := [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotTaken[dotShort] = true
	dotTaken[dotDotShort] = true

	dot := shortDirEntry{Name: dotShort, Attr: attrDir}
	dot.setCluster(newCluster)
	dotDot := shortDirEntry{Name: dotDotShort, Attr: attrDir}
	dotDot.setCluster(parentHeadForDotDot)
	dotEntries = append(dotEntries, dot.encode()...)
	dotEntries = append(dotEntries, dotDot.encode()...)
	if err := inj.store.WriteAt(dotEntries, inj.meta.ClusterOffset(newCluster)); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}

	raw, err := inj.buildEntrySet(parent, name, attrDir, newCluster, 0, attrs)
	if err != nil {
		return err
	}
	if err := inj.appendEntrySet(parent, raw); err != nil {
		return err
	}
	parent.names[normalizeName(name)] = true

	inj.stack = append(inj.stack, &dirFrame{
		head: newCluster, cur: newCluster, offset: 2 * bytesPerDirEntry,
		names: map[string]bool{}, shortNames: map[[11]byte]bool{},
	})
	return nil
}

// WriteFile streams source through the configured scratch buffer into
// newly allocated clusters (spec.md §4.5.3), then appends the parent
// directory entry.
func (inj *Injector) WriteFile(name string, source io.Reader, length int64, attrs fsnode.Attributes) error {
	if err := validateLongName(name); err != nil {
		return err
	}
	if attrs.Symlink != "" {
		return errors.Wrap(engine.ErrNotSymlinkCapable, "fat32")
	}
	parent := inj.top()
	if err := inj.checkCollision(parent, name); err != nil {
		return err
	}

	var first ClusterID
	var lastWritten ClusterID
	remaining := length
	scratch := make([]byte, inj.scratchLen)

	for remaining > 0 {
		clustersNeeded := uint32((remaining + inj.meta.ClusterSize - 1) / inj.meta.ClusterSize)
		h, err := inj.alloc.AllocRun(clustersNeeded)
		if err != nil {
			return err
		}
		if first == 0 {
			first = h.First
		} else {
			inj.chain[lastWritten] = h.First
		}
		last := inj.chain.linkRun(h.First, h.Length)

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
				// pad final cluster's tail; on-disk bytes beyond EOF are
				// unspecified but must still be written (store is not
				// assumed pre-zeroed, spec.md §4.4).
				padded := make([]byte, inj.meta.ClusterSize)
				copy(padded, buf)
				buf = padded
			}
			if err := inj.store.WriteAt(buf, inj.meta.ClusterOffset(cl)); err != nil {
				return errors.Wrap(engine.ErrIO, err.Error())
			}
			remaining -= int64(n)
		}
		lastWritten = last
	}

	raw, err := inj.buildEntrySet(parent, name, attrArchive, first, uint32(length), attrs)
	if err != nil {
		return err
	}
	if err := inj.appendEntrySet(parent, raw); err != nil {
		return err
	}
	parent.names[normalizeName(name)] = true
	return nil
}

// EndDir pops the context stack. FAT32 directory entries for
// subdirectories never carry a size field, so there is no parent
// metadata to patch here (spec.md §4.5.1).
func (inj *Injector) EndDir() error {
	if len(inj.stack) <= 1 {
		return errors.New("fat32: EndDir called with no open directory")
	}
	inj.stack = inj.stack[:len(inj.stack)-1]
	return nil
}

// Flush writes both FAT copies from the in-memory chain and allocator
// state, updates FSInfo, and calls store.Flush (spec.md §4.5.5).
func (inj *Injector) Flush() error {
	if err := writeFATs(inj.store, inj.meta, inj.alloc, inj.chain); err != nil {
		return err
	}
	fsinfo := encodeFSInfo(inj.alloc.FreeClusters(), nextFreeHint(inj.alloc, inj.meta))
	if err := inj.store.WriteAt(fsinfo, inj.meta.FSInfoOffset); err != nil {
		return errors.Wrap(engine.ErrIO, err.Error())
	}
	return inj.store.Flush()
}

func nextFreeHint(alloc *Allocator, m *Meta) uint32 {
	for c := ClusterID(2); uint32(c) < m.TotalClusters+2; c++ {
		if !alloc.IsUsed(c) {
			return uint32(c)
		}
	}
	return 0xFFFFFFFF
}
