package hostfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/rimgen/fsimage/fsnode"
)

// shape is the comparable projection of an fsnode.Node tree: names,
// kinds and file contents, without the io.Reader and timestamp fields
// that never compare stably across runs.
type shape struct {
	Name     string
	Dir      bool
	Content  string
	Children []shape
}

func project(t *testing.T, n *fsnode.Node) shape {
	t.Helper()
	s := shape{Name: n.Name, Dir: n.Kind == fsnode.Dir}
	if n.Kind == fsnode.File && n.Source != nil {
		data, err := io.ReadAll(io.LimitReader(n.Source, n.Length))
		if err != nil {
			t.Fatalf("reading %q: %v", n.Name, err)
		}
		s.Content = string(data)
	}
	for _, c := range n.Children {
		s.Children = append(s.Children, project(t, c))
	}
	return s
}

func TestFromDirBuildsTree(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "boot", "grub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "boot", "grub", "grub.cfg"), []byte("set timeout=0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "kernel.img"), []byte("\x7fELF"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree, err := FromDir(root, Capability{})
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}

	want := shape{
		Name: filepath.Base(root),
		Dir:  true,
		Children: []shape{
			{Name: "boot", Dir: true, Children: []shape{
				{Name: "grub", Dir: true, Children: []shape{
					{Name: "grub.cfg", Content: "set timeout=0\n"},
				}},
			}},
			{Name: "kernel.img", Content: "\x7fELF"},
		},
	}
	if diff := deep.Equal(project(t, tree), want); diff != nil {
		t.Fatalf("tree mismatch:\n%v", diff)
	}
}

func TestFromDirResolvesSymlinkWithoutCapability(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	if err := os.WriteFile(target, []byte("payload\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.txt", filepath.Join(root, "alias.txt")); err != nil {
		t.Skipf("symlinks unavailable on this host: %v", err)
	}

	tree, err := FromDir(root, Capability{Symlinks: false})
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}

	var alias *fsnode.Node
	for _, c := range tree.Children {
		if c.Name == "alias.txt" {
			alias = c
		}
	}
	if alias == nil {
		t.Fatalf("alias.txt missing from tree")
	}
	if alias.Attributes.Symlink != "" {
		t.Fatalf("symlink should have been resolved to content, got target %q", alias.Attributes.Symlink)
	}
	data, err := io.ReadAll(io.LimitReader(alias.Source, alias.Length))
	if err != nil {
		t.Fatalf("reading alias content: %v", err)
	}
	if string(data) != "payload\n" {
		t.Fatalf("alias content = %q, want %q", data, "payload\n")
	}
}

func TestFromDirCarriesSymlinkWithCapability(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "real.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real.txt", filepath.Join(root, "alias.txt")); err != nil {
		t.Skipf("symlinks unavailable on this host: %v", err)
	}

	tree, err := FromDir(root, Capability{Symlinks: true})
	if err != nil {
		t.Fatalf("FromDir: %v", err)
	}
	for _, c := range tree.Children {
		if c.Name == "alias.txt" && c.Attributes.Symlink != "real.txt" {
			t.Fatalf("alias.txt target = %q, want %q", c.Attributes.Symlink, "real.txt")
		}
	}
}
