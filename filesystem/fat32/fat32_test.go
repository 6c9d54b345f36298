package fat32

import (
	"bytes"
	"testing"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/store"
)

const volSize32MB = 32 * 1024 * 1024

// S1: a freshly formatted 32 MiB FAT32 volume should report
// TotalClusters-1 free clusters (root takes one) and pass the Checker.
func TestFormatEmptyVolume(t *testing.T) {
	m, err := Derive(volSize32MB, Options{engine.Options{Label: "TEST"}, 0x12345678})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	s := store.NewMemStore(volSize32MB)
	if err := NewFormatter(s, m).Format(); err != nil {
		t.Fatalf("format: %v", err)
	}

	var fsinfo [sectorSize]byte
	if err := s.ReadAt(fsinfo[:], m.FSInfoOffset); err != nil {
		t.Fatal(err)
	}
	free, _ := decodeFSInfo(fsinfo[:])
	if free != m.TotalClusters-1 {
		t.Fatalf("free clusters = %d, want %d", free, m.TotalClusters-1)
	}

	findings, err := NewChecker(s, m).Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected zero findings on an empty format, got %v", findings)
	}
}

// S2: injecting README.md, readme.md and ReadMe.MD into root should
// succeed once and fail twice with ErrNameCollision.
func TestInjectLFNCollision(t *testing.T) {
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
	names := []string{"README.md", "readme.md", "ReadMe.MD"}
	for i, name := range names {
		err := inj.WriteFile(name, bytes.NewReader(content), int64(len(content)), fsnode.Attributes{})
		if i == 0 && err != nil {
			t.Fatalf("first write of %q failed: %v", name, err)
		}
		if i > 0 && !errIsCollision(err) {
			t.Fatalf("write of %q: want NameCollision, got %v", name, err)
		}
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

func errIsCollision(err error) bool {
	return err != nil && engine.Is(err, engine.ErrNameCollision)
}

// S3: a name long enough to need LFN entries round-trips through the
// Parser with its long name intact, alongside a short 8.3 sibling.
func TestParserRoundTripLongAndShortNames(t *testing.T) {
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
	if err := inj.Mkdir("documents", fsnode.Attributes{}); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	longName := "a quite long project status report.txt"
	content := []byte("status: green\n")
	if err := inj.WriteFile(longName, bytes.NewReader(content), int64(len(content)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write long name: %v", err)
	}
	short := []byte("x")
	if err := inj.WriteFile("A.TXT", bytes.NewReader(short), int64(len(short)), fsnode.Attributes{}); err != nil {
		t.Fatalf("write short name: %v", err)
	}
	if err := inj.EndDir(); err != nil {
		t.Fatalf("enddir: %v", err)
	}
	if err := inj.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	tree, err := NewParser(s, m).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	docs := findChild(t, tree, "documents")
	report := findChild(t, docs, longName)
	if report.Length != int64(len(content)) {
		t.Fatalf("report length = %d, want %d", report.Length, len(content))
	}
	a := findChild(t, docs, "A.TXT")
	if a.Length != int64(len(short)) {
		t.Fatalf("A.TXT length = %d, want %d", a.Length, len(short))
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
