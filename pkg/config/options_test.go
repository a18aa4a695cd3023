package config_test

import (
	"testing"

	"github.com/csweichel/rangefs/pkg/config"
	"github.com/google/go-cmp/cmp"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		Input       string
		Expectation []string
	}{
		{"a", []string{"a"}},
		{"a:b:c", []string{"a", "b", "c"}},
		{"a::b:c", []string{"a:b", "c"}},
		{"a:", []string{"a", ""}},
		{"::", []string{":"}},
		{"", []string{""}},
	}
	for _, test := range tests {
		t.Run(test.Input, func(t *testing.T) {
			if diff := cmp.Diff(test.Expectation, config.SplitList(test.Input)); diff != "" {
				t.Errorf("SplitList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyOptions(t *testing.T) {
	type Expectation struct {
		Flags config.Flags
		Err   bool
	}
	tests := []struct {
		Name        string
		Flags       config.Flags
		Options     string
		Expectation Expectation
	}{
		{
			Name:    "fstab line",
			Options: "ro,allow_other,file=/dev/sda:/dev/sdb,start=1048576:0,length=4096,name=boot:disk,uid=1000,mode=0440",
			Expectation: Expectation{
				Flags: config.Flags{
					Files:      []string{"/dev/sda", "/dev/sdb"},
					Names:      []string{"boot", "disk"},
					Starts:     []uint64{1048576, 0},
					Lengths:    []uint64{4096},
					UIDs:       []uint32{1000},
					Mode:       "0440",
					AllowOther: true,
				},
			},
		},
		{
			Name:    "options replace flags",
			Flags:   config.Flags{Files: []string{"/a"}, Names: []string{"x"}, Timeout: 1},
			Options: "file=/b,timeout=5",
			Expectation: Expectation{
				Flags: config.Flags{Files: []string{"/b"}, Names: []string{"x"}, Timeout: 5},
			},
		},
		{
			Name:    "escaped colon",
			Options: "file=/mnt/c::/disk.img",
			Expectation: Expectation{
				Flags: config.Flags{Files: []string{"/mnt/c:/disk.img"}},
			},
		},
		{
			Name:    "pass through",
			Options: "rw,fsname=boot,auto_unmount,allow_root,max_read=131072,nodev,,stderr=/tmp/err.log,stdout=/tmp/out.log",
			Expectation: Expectation{
				Flags: config.Flags{
					FsName:       "boot",
					AutoUnmount:  true,
					AllowRoot:    true,
					LogFile:      "/tmp/out.log",
					MountOptions: []string{"max_read=131072", "nodev"},
				},
			},
		},
		{
			Name:    "tar and index",
			Options: "tar=/a.tar:/b.tar,index=/var/lib/idx,config=/etc/rangefs.yaml",
			Expectation: Expectation{
				Flags: config.Flags{
					TarFiles:   []string{"/a.tar", "/b.tar"},
					Indexes:    []string{"/var/lib/idx"},
					ConfigFile: "/etc/rangefs.yaml",
				},
			},
		},
		{
			Name:        "invalid number",
			Options:     "file=/a,start=abc",
			Expectation: Expectation{Err: true},
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			flags := test.Flags
			err := flags.ApplyOptions(test.Options)

			act := Expectation{Err: err != nil}
			if err == nil {
				act.Flags = flags
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("ApplyOptions() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
