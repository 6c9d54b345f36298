package exfat

import (
	"bytes"
	"testing"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const volSize32MB = 32 * 1024 * 1024

// S1: a freshly formatted volume should carry no allocation beyond the
// root/bitmap/up-case clusters and pass the Checker.
func TestFormatEmptyVolume(t *testing.T) {
	m, err := Derive(volSize32MB, Options{engine.Options{Label: "TEST"}, 0x12345678})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings on an empty format, got %v", findings)
	}
}

// S2: injecting the same name twice under different case should fail
// with ErrNameCollision, since ExFAT compares names case-insensitively
// via its up-case table.
func TestInjectNameCollision(t *testing.T) {
	m, err := Derive(volSize32MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	content := []byte("hello\n")
	if err := inj.WriteFile("README.TXT", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	err = inj.WriteFile("readme.txt", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{})
	if !errIsCollision(err) {
		t.Fatalf("want NameCollision, got %v", err)
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
	}
}

// S3: a file that fits in one contiguous run must be marked NoFatChain
// and the Checker must trust DataLength rather than the FAT to find its
// clusters (spec.md §3.3, §4.5.3).
func TestInjectContiguousFileSetsNoFatChain(t *testing.T) {
	m, err := Derive(volSize32MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	content := bytes.Repeat([]byte{0x42}, int(m.ClusterSize)*3)
	if err := inj.WriteFile("BIG.BIN", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(inj.chain) != 0 {
		t.Fatalf("contiguous file should leave no FAT chain entries, got %d", len(inj.chain))
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
	}
}

// S4: fragmenting the free space before writing a large file forces a
// multi-run allocation; the Checker must then follow the FAT chain
// instead of trusting contiguity.
func TestInjectFragmentedFileUsesFATChain(t *testing.T) {
	m, err := Derive(volSize32MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	// fill the heap, punch three non-adjacent one-cluster holes, write
	// the file into them, then release the filler so the bitmap stays
	// consistent: the allocator has no choice but to fragment.
	holes := punchHoles(t, alloc)

	content := bytes.Repeat([]byte{0x7A}, int(m.ClusterSize)*3)
	if err := inj.WriteFile("FRAG.BIN", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(inj.chain) == 0 {
		t.Fatalf("fragmented file should register FAT chain entries")
	}
	holes.release(alloc)
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
	}
}

// S5: a nested directory tree round-trips through Inject/Check with no
// "."/".." entries on disk.
func TestInjectNestedDirectories(t *testing.T) {
	m, err := Derive(volSize32MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)

	root := fsnode.NewDir("", fsnode.Attributes{})
	sub := fsnode.NewDir("sub", fsnode.Attributes{})
	content := []byte("nested\n")
	sub.AddChild(fsnode.NewFile("leaf.txt", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{}))
	root.AddChild(sub)

	if err := inj.Inject(root); err != nil {
		t.Fatalf("inject: %v", err)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
	}
}

// S6: the Parser must read back a nested tree containing both a
// contiguous (NoFatChain) file and a fragmented one with identical
// content, independent of the Injector/Allocator state that built it.
func TestParserRoundTripContiguousAndFragmented(t *testing.T) {
	m, err := Derive(volSize32MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	bigContent := bytes.Repeat([]byte{0x42}, int(m.ClusterSize)*3)
	if err := inj.WriteFile("BIG.BIN", bytes.NewReader(bigContent), int64(len(bigContent)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write big.bin: %v", err)
	}

	holes := punchHoles(t, alloc)
	fragContent := bytes.Repeat([]byte{0x7A}, int(m.ClusterSize)*3)
	if err := inj.WriteFile("FRAG.BIN", bytes.NewReader(fragContent), int64(len(fragContent)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write frag.bin: %v", err)
	}
	holes.release(alloc)

	if err := inj.Mkdir("sub", fsnode.Attributes{}); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	leafContent := []byte("nested\n")
	if err := inj.WriteFile("leaf.txt", bytes.NewReader(leafContent), int64(len(leafContent)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write leaf.txt: %v", err)
	}
	if err := inj.EndDir(); err != nil {
		t.Fatalf("enddir sub: %v", err)
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tree, err := NewParser(s, m).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	big := findChild(t, tree, "BIG.BIN")
	assertFileContent(t, big, bigContent)
	frag := findChild(t, tree, "FRAG.BIN")
	assertFileContent(t, frag, fragContent)
	sub := findChild(t, tree, "sub")
	leaf := findChild(t, sub, "leaf.txt")
	assertFileContent(t, leaf, leafContent)
}

// heapFill tracks the clusters a test grabbed to exhaust the heap, so
// a later allocation is forced into deliberately punched holes.
type heapFill struct {
	filler []ClusterID
}

// punchHoles allocates every free cluster, then frees three
// non-adjacent singles. The caller must release the filler before
// Flush so the on-disk bitmap only records genuinely reachable
// clusters.
func punchHoles(t *testing.T, alloc *Allocator) *heapFill {
	t.Helper()
	var all []ClusterID
	for alloc.FreeClusters() > 0 {
		h, err := alloc.AllocRun(alloc.FreeClusters())
		if err != nil {
			t.Fatalf("filling heap: %v", err)
		}
		for i := uint32(0); i < h.Length; i++ {
			all = append(all, h.First+ClusterID(i))
		}
	}
	if len(all) < 6 {
		t.Fatalf("heap too small to fragment: %d clusters", len(all))
	}
	hf := &heapFill{}
	for i, c := range all {
		if i == 0 || i == 2 || i == 4 {
			alloc.Free(c)
			continue
		}
		hf.filler = append(hf.filler, c)
	}
	return hf
}

func (hf *heapFill) release(alloc *Allocator) {
	for _, c := range hf.filler {
		alloc.Free(c)
	}
}

func findChild(t *testing.T, parent *fsnode.Node, name string) *fsnode.Node {
	t.Helper()
	for _, c := range parent.Children {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("child %q not found under %q", name, parent.Name)
	return nil
}

func assertFileContent(t *testing.T, n *fsnode.Node, want []byte) {
	t.Helper()
	if n.Kind != fsnode.File {
		t.Fatalf("%q parsed as a directory", n.Name)
	}
	got := make([]byte, n.Length)
	if _, err := n.Source.Read(got); err != nil && n.Length > 0 {
		t.Fatalf("reading %q content: %v", n.Name, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%q content mismatch: got %d bytes, want %d bytes", n.Name, len(got), len(want))
	}
}

func errIsCollision(err error) bool {
	return err != nil && engine.Is(err, engine.ErrNameCollision)
}
