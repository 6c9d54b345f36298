package ext4

import (
	"bytes"
	"testing"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const volSize64MB = 64 * 1024 * 1024

// empty-format baseline: a freshly formatted volume holds only the
// root directory and passes the Checker with zero findings.
func TestFormatEmptyVolume(t *testing.T) {
	m, err := Derive(volSize64MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize64MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	root, err := readInode(s, m, rootInode)
	if err != nil {
		t.Fatalf("read root inode: %v", err)
	}
	if !root.isDir() {
		t.Fatalf("root inode is not a directory")
	}
	if root.linksCount != 2 {
		t.Fatalf("root linksCount = %d, want 2", root.linksCount)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings on an empty format, got %v", findings)
	}
}

// S5: inject /a/b/c/hello.txt into a 64 MiB volume. Inodes should land
// at 11 (a), 12 (b), 13 (c) in injection order, each directory's size
// should equal one block, and link counts should be root=3, a=3, b=3,
// c=2.
func TestNestedTreeInodesAndLinkCounts(t *testing.T) {
	m, err := Derive(volSize64MB, Options{})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize64MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	for _, dir := range []string{"a", "b", "c"} {
		if err := inj.Mkdir(dir, fsnode.Attributes{Mode: 0755}); err != nil {
			t.Fatalf("mkdir %q: %v", dir, err)
		}
	}
	content := []byte("hello\n")
	if err := inj.WriteFile("hello.txt", bytes.NewReader(content), int64(len(content)), fsnode.Attributes{Mode: 0644}); err != nil {
		t.Fatalf("write hello.txt: %v", err)
	}
	if err := inj.EndDir(); err != nil { // c
		t.Fatalf("enddir c: %v", err)
	}
	if err := inj.EndDir(); err != nil { // b
		t.Fatalf("enddir b: %v", err)
	}
	if err := inj.EndDir(); err != nil { // a
		t.Fatalf("enddir a: %v", err)
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	wantIno := map[string]InodeID{"a": 11, "b": 12, "c": 13}
	wantLinks := map[string]uint16{"a": 3, "b": 3, "c": 2}
	for _, frame := range inj.allDirs {
		for name, ino := range wantIno {
			if frame.ino != ino {
				continue
			}
			in, err := readInode(s, m, ino)
			if err != nil {
				t.Fatalf("read inode %d (%s): %v", ino, name, err)
			}
			if in.linksCount != wantLinks[name] {
				t.Fatalf("%s (inode %d) linksCount = %d, want %d", name, ino, in.linksCount, wantLinks[name])
			}
			if in.size != uint64(m.BlockSize) {
				t.Fatalf("%s (inode %d) size = %d, want %d", name, ino, in.size, m.BlockSize)
			}
		}
	}

	root, err := readInode(s, m, rootInode)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if root.linksCount != 3 {
		t.Fatalf("root linksCount = %d, want 3", root.linksCount)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
	}

	tree, err := NewParser(s, m).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a := findChild(t, tree, "a")
	b := findChild(t, a, "b")
	c := findChild(t, b, "c")
	hello := findChild(t, c, "hello.txt")
	if hello.Kind != fsnode.File {
		t.Fatalf("hello.txt parsed as a directory")
	}
	if hello.Length != int64(len(content)) {
		t.Fatalf("hello.txt length = %d, want %d", hello.Length, len(content))
	}
}

// S6: a file longer than 32768 blocks must be mapped by at least two
// extent leaves, each no longer than 32768 blocks, and the Checker's
// reachability scan must still cover every block exactly once. With
// 1 KiB blocks each 8192-block group starts with its own bitmaps and
// inode table, so the file's blocks land in several shorter runs and
// its leaves spill into an external extent block.
func TestExtentSplitAcrossMaxLeafLength(t *testing.T) {
	const blockSize = 1024
	volLen := int64(40000) * blockSize // enough free blocks for a >32768-block file plus metadata
	m, err := Derive(volLen, Options{Options: engine.Options{ClusterHint: blockSize}})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volLen)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	alloc := NewAllocator(m)
	inj := NewInjector(s, m, alloc, 0)
	if err := inj.SetRootContext(nil); err != nil {
		t.Fatalf("set root: %v", err)
	}

	fileBlocks := int64(maxBlocksPerExtent) + 100
	fileLen := fileBlocks * blockSize
	if err := inj.WriteFile("big.bin", bytes.NewReader(make([]byte, fileLen)), fileLen, fsnode.Attributes{Mode: 0644}); err != nil {
		t.Fatalf("write big.bin: %v", err)
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	root, err := readInode(s, m, rootInode)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	var fileIno InodeID
	rootBlocks, err := extentTreeBlocks(s, m, root)
	if err != nil {
		t.Fatalf("root extents: %v", err)
	}
	buf := make([]byte, m.BlockSize)
	if err := s.ReadAt(buf, m.BlockOffset(rootBlocks[0])); err != nil {
		t.Fatalf("read root block: %v", err)
	}
	entries, err := directoryEntriesFromBlock(buf)
	if err != nil {
		t.Fatalf("decode root block: %v", err)
	}
	for _, e := range entries {
		if e.filename == "big.bin" {
			fileIno = InodeID(e.inode)
		}
	}
	if fileIno == 0 {
		t.Fatalf("big.bin not found in root directory")
	}

	fin, err := readInode(s, m, fileIno)
	if err != nil {
		t.Fatalf("read file inode: %v", err)
	}
	if fin.extents == nil {
		t.Fatalf("file inode carries no extent tree")
	}
	leaves := fin.extents.leaves
	if fin.extents.depth == 1 {
		extBuf := make([]byte, m.BlockSize)
		if err := s.ReadAt(extBuf, m.BlockOffset(fin.extents.extBlock)); err != nil {
			t.Fatalf("read extent index block: %v", err)
		}
		leaves, err = decodeExternalExtentBlock(extBuf)
		if err != nil {
			t.Fatalf("decode extent index block: %v", err)
		}
	}
	if len(leaves) < 2 {
		t.Fatalf("expected >=2 extent leaves for a %d-block file, got %d", fileBlocks, len(leaves))
	}
	for _, l := range leaves {
		if l.length > maxBlocksPerExtent {
			t.Fatalf("extent leaf length %d exceeds max %d", l.length, maxBlocksPerExtent)
		}
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %v", findings)
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
