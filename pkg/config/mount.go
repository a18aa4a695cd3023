package config

import (
	"fmt"
	"os"
	"time"

	"github.com/csweichel/rangefs/pkg/rangefs"
	"github.com/csweichel/rangefs/pkg/tarindex"
	"github.com/hashicorp/go-multierror"
)

// Flags holds the mount settings as given on the command line, after the
// -o option string was merged in. Per-range lists are matched up by
// position with Files.
type Flags struct {
	Files   []string
	Names   []string
	Starts  []uint64
	Lengths []uint64
	// A single UID or GID applies to every range.
	UIDs []uint32
	GIDs []uint32
	Mode string

	ConfigFile string
	TarFiles   []string
	Indexes    []string

	AllowOther  bool
	AllowRoot   bool
	AutoUnmount bool
	// Timeout is the kernel cache timeout in seconds.
	Timeout uint64

	FsName       string
	LogFile      string
	MountOptions []string
}

// Mount is the resolved configuration of one mount.
type Mount struct {
	Ranges  []rangefs.RangeSpec
	Options rangefs.Options

	AllowOther  bool
	AllowRoot   bool
	AutoUnmount bool
	Timeout     time.Duration

	FsName       string
	MountOptions []string
}

// Build collects the ranges of f from the command line, the config file,
// tar archives and tar indexes, in that order.
func (f *Flags) Build() (*Mount, error) {
	res := &Mount{
		AllowOther:   f.AllowOther,
		AllowRoot:    f.AllowRoot,
		AutoUnmount:  f.AutoUnmount,
		Timeout:      time.Duration(f.Timeout) * time.Second,
		FsName:       f.FsName,
		MountOptions: f.MountOptions,
	}

	specs, err := f.flagSpecs()
	if err != nil {
		return nil, err
	}
	res.Ranges = specs

	mode, err := ParseMode(f.Mode)
	if err != nil {
		return nil, err
	}
	res.Options.Mode = mode

	if f.ConfigFile != "" {
		cfg, err := LoadFile(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		specs, err := cfg.Specs()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.ConfigFile, err)
		}
		res.Ranges = append(res.Ranges, specs...)

		res.Options.UID = cfg.UID
		res.Options.GID = cfg.GID
		if res.Options.Mode == nil {
			if res.Options.Mode, err = ParseMode(cfg.Mode); err != nil {
				return nil, fmt.Errorf("%s: %w", f.ConfigFile, err)
			}
		}
		res.AllowOther = res.AllowOther || cfg.AllowOther
		res.AllowRoot = res.AllowRoot || cfg.AllowRoot
		res.AutoUnmount = res.AutoUnmount || cfg.AutoUnmount
		if cfg.Timeout != nil {
			res.Timeout = time.Duration(*cfg.Timeout) * time.Second
		}
	}

	// command line ids win over the config file
	if len(f.UIDs) == 1 {
		res.Options.UID = &f.UIDs[0]
	}
	if len(f.GIDs) == 1 {
		res.Options.GID = &f.GIDs[0]
	}

	for _, archive := range f.TarFiles {
		specs, err := tarSpecs(archive)
		if err != nil {
			return nil, err
		}
		res.Ranges = append(res.Ranges, specs...)
	}
	for _, dir := range f.Indexes {
		specs, err := indexSpecs(dir)
		if err != nil {
			return nil, err
		}
		res.Ranges = append(res.Ranges, specs...)
	}

	return res, nil
}

func (f *Flags) flagSpecs() ([]rangefs.RangeSpec, error) {
	var errs *multierror.Error
	check := func(flag string, n int) {
		if n > len(f.Files) {
			errs = multierror.Append(errs, fmt.Errorf("%d %s values given for %d files", n, flag, len(f.Files)))
		}
	}
	check("name", len(f.Names))
	check("start", len(f.Starts))
	check("length", len(f.Lengths))
	if len(f.UIDs) > 1 {
		check("uid", len(f.UIDs))
	}
	if len(f.GIDs) > 1 {
		check("gid", len(f.GIDs))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	res := make([]rangefs.RangeSpec, 0, len(f.Files))
	for i, file := range f.Files {
		spec := rangefs.RangeSpec{Source: file}
		if i < len(f.Names) {
			spec.Name = f.Names[i]
		}
		if i < len(f.Starts) {
			spec.Offset = f.Starts[i]
		}
		if i < len(f.Lengths) {
			spec.Length = &f.Lengths[i]
		}
		if len(f.UIDs) > 1 && i < len(f.UIDs) {
			spec.UID = &f.UIDs[i]
		}
		if len(f.GIDs) > 1 && i < len(f.GIDs) {
			spec.GID = &f.GIDs[i]
		}
		res = append(res, spec)
	}
	return res, nil
}

func tarSpecs(archive string) ([]rangefs.RangeSpec, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	members, err := tarindex.Scan(f)
	if err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", archive, err)
	}
	return tarindex.Ranges(archive, members), nil
}

func indexSpecs(dir string) ([]rangefs.RangeSpec, error) {
	db, err := tarindex.Open(dir, true)
	if err != nil {
		return nil, fmt.Errorf("cannot open index %s: %w", dir, err)
	}
	defer db.Close()

	archive, members, err := tarindex.Load(db)
	if err != nil {
		return nil, fmt.Errorf("cannot load index %s: %w", dir, err)
	}
	return tarindex.Ranges(archive, members), nil
}
