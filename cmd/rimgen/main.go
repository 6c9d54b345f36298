// Command rimgen drives one Formatter -> Injector -> Checker session from
// a small JSON layout. It exists only to give the engine one real caller
// (SPEC_FULL.md §4.8); it is not the deliverable surface.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rimgen/fsimage/engine"
	"github.com/rimgen/fsimage/filesystem/exfat"
	"github.com/rimgen/fsimage/filesystem/ext4"
	"github.com/rimgen/fsimage/filesystem/fat32"
	"github.com/rimgen/fsimage/fsnode"
	"github.com/rimgen/fsimage/hostfs"
	"github.com/rimgen/fsimage/store"
)

// layout is the tiny JSON shape rimgen reads: `{"fs": "ext4", "size":
// 67108864, "source": "./staging", "out": "./image.bin"}`. TOML loading
// is explicitly out of scope per spec.md §1; JSON via encoding/json keeps
// this command inside the engine's own dependency budget.
type layout struct {
	FS     string `json:"fs"`
	Size   int64  `json:"size"`
	Source string `json:"source"`
	Out    string `json:"out"`
	Label  string `json:"label"`
}

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("rimgen: failed")
	}
}

func run() error {
	layoutPath := flag.String("layout", "", "path to a JSON layout file")
	flag.Parse()
	if *layoutPath == "" {
		return errors.New("rimgen: -layout is required")
	}

	raw, err := os.ReadFile(*layoutPath)
	if err != nil {
		return errors.Wrapf(err, "reading layout %s", *layoutPath)
	}
	var lay layout
	if err := json.Unmarshal(raw, &lay); err != nil {
		return errors.Wrapf(err, "parsing layout %s", *layoutPath)
	}

	typ, capa, err := resolveType(lay.FS)
	if err != nil {
		return err
	}

	tree, err := hostfs.FromDir(lay.Source, capa)
	if err != nil {
		return errors.Wrap(err, "staging source tree")
	}

	s, err := store.OpenFileStore(lay.Out, lay.Size, false)
	if err != nil {
		return errors.Wrap(err, "opening output image")
	}
	defer s.Close()

	findings, err := build(typ, s, lay, tree)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"fs":   typ,
		"size": humanize.Bytes(uint64(lay.Size)),
		"out":  lay.Out,
	}).Info("rimgen: image written")

	for _, f := range findings {
		fmt.Println(f.String())
	}
	if len(findings) == 0 {
		logrus.Info("rimgen: checker reported zero findings")
	}
	return nil
}

func resolveType(fs string) (engine.Type, hostfs.Capability, error) {
	switch fs {
	case "fat32":
		return engine.TypeFAT32, hostfs.Capability{Symlinks: false}, nil
	case "exfat":
		return engine.TypeExFAT, hostfs.Capability{Symlinks: false}, nil
	case "ext4":
		return engine.TypeEXT4, hostfs.Capability{Symlinks: true}, nil
	default:
		return 0, hostfs.Capability{}, errors.Errorf("rimgen: unknown fs %q (want fat32, exfat, or ext4)", fs)
	}
}

func build(typ engine.Type, s store.Store, lay layout, tree *fsnode.Node) ([]engine.Finding, error) {
	switch typ {
	case engine.TypeFAT32:
		m, err := fat32.Derive(lay.Size, fat32.Options{Options: engine.Options{Label: lay.Label}})
		if err != nil {
			return nil, errors.Wrap(err, "deriving fat32 meta")
		}
		if err := fat32.NewFormatter(s, m).Format(); err != nil {
			return nil, errors.Wrap(err, "formatting fat32")
		}
		alloc := fat32.NewAllocator(m)
		inj := fat32.NewInjector(s, m, alloc, 0)
		if err := engine.InjectTree(inj, tree); err != nil {
			return nil, errors.Wrap(err, "injecting fat32")
		}
		return fat32.NewChecker(s, m).Check()

	case engine.TypeExFAT:
		m, err := exfat.Derive(lay.Size, exfat.Options{Options: engine.Options{Label: lay.Label}})
		if err != nil {
			return nil, errors.Wrap(err, "deriving exfat meta")
		}
		if err := exfat.NewFormatter(s, m).Format(); err != nil {
			return nil, errors.Wrap(err, "formatting exfat")
		}
		alloc := exfat.NewAllocator(m)
		inj := exfat.NewInjector(s, m, alloc, 0)
		if err := engine.InjectTree(inj, tree); err != nil {
			return nil, errors.Wrap(err, "injecting exfat")
		}
		return exfat.NewChecker(s, m).Check()

	case engine.TypeEXT4:
		m, err := ext4.Derive(lay.Size, ext4.Options{Options: engine.Options{Label: lay.Label}})
		if err != nil {
			return nil, errors.Wrap(err, "deriving ext4 meta")
		}
		if err := ext4.NewFormatter(s, m).Format(); err != nil {
			return nil, errors.Wrap(err, "formatting ext4")
		}
		alloc := ext4.NewAllocator(m)
		inj := ext4.NewInjector(s, m, alloc, 0)
		if err := engine.InjectTree(inj, tree); err != nil {
			return nil, errors.Wrap(err, "injecting ext4")
		}
		return ext4.NewChecker(s, m).Check()

	default:
		return nil, errors.Errorf("rimgen: unhandled fs type %v", typ)
	}
}
