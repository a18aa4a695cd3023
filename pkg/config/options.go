package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// optionValues are the rangefs specific keys of a -o option string.
type optionValues struct {
	File    []string `mapstructure:"file"`
	Name    []string `mapstructure:"name"`
	Start   []uint64 `mapstructure:"start"`
	Length  []uint64 `mapstructure:"length"`
	UID     []uint32 `mapstructure:"uid"`
	GID     []uint32 `mapstructure:"gid"`
	Mode    string   `mapstructure:"mode"`
	Timeout uint64   `mapstructure:"timeout"`
	Stdout  string   `mapstructure:"stdout"`
	Stderr  string   `mapstructure:"stderr"`
	Config  string   `mapstructure:"config"`
	Tar     []string `mapstructure:"tar"`
	Index   []string `mapstructure:"index"`
}

var listOptions = map[string]bool{
	"file": true, "name": true, "start": true, "length": true,
	"uid": true, "gid": true, "tar": true, "index": true,
}

var valueOptions = map[string]bool{
	"mode": true, "timeout": true, "stdout": true, "stderr": true, "config": true,
}

// ApplyOptions merges a mount(8) style option string into f, as found in
// the fourth field of /etc/fstab:
//
//	allow_other,file=/dev/sda:/dev/sdb,start=1048576:0,name=boot:disk
//
// List values are separated by ':'; a literal ':' is written as '::'.
// A rangefs key replaces the corresponding command line values. Options
// rangefs does not know are passed through to the mount call.
func (f *Flags) ApplyOptions(s string) error {
	raw := make(map[string]interface{})
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}
		key, val, hasVal := strings.Cut(opt, "=")
		switch {
		case opt == "rw" || opt == "ro":
			// always mounted read-only
		case opt == "allow_other":
			f.AllowOther = true
		case opt == "allow_root":
			f.AllowRoot = true
		case opt == "auto_unmount":
			f.AutoUnmount = true
		case key == "fsname" && hasVal:
			f.FsName = val
		case listOptions[key] && hasVal:
			raw[key] = SplitList(val)
		case valueOptions[key] && hasVal:
			raw[key] = val
		default:
			f.MountOptions = append(f.MountOptions, opt)
		}
	}
	if len(raw) == 0 {
		return nil
	}

	var vals optionValues
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &vals,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid mount options: %w", err)
	}

	for key := range raw {
		switch key {
		case "file":
			f.Files = vals.File
		case "name":
			f.Names = vals.Name
		case "start":
			f.Starts = vals.Start
		case "length":
			f.Lengths = vals.Length
		case "uid":
			f.UIDs = vals.UID
		case "gid":
			f.GIDs = vals.GID
		case "tar":
			f.TarFiles = vals.Tar
		case "index":
			f.Indexes = vals.Index
		case "mode":
			f.Mode = vals.Mode
		case "timeout":
			f.Timeout = vals.Timeout
		case "config":
			f.ConfigFile = vals.Config
		}
	}
	// both streams go to one log file, stdout wins
	switch {
	case vals.Stdout != "":
		f.LogFile = vals.Stdout
	case vals.Stderr != "":
		f.LogFile = vals.Stderr
	}
	return nil
}

// SplitList splits a ':' separated list where '::' stands for a ':'
// within an item.
func SplitList(s string) []string {
	var (
		res []string
		cur strings.Builder
	)
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			cur.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == ':' {
			cur.WriteByte(':')
			i++
			continue
		}
		res = append(res, cur.String())
		cur.Reset()
	}
	return append(res, cur.String())
}
