/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/csweichel/rangefs/pkg/config"
	"github.com/csweichel/rangefs/pkg/rangefs"
	"github.com/dustin/go-humanize"
	"github.com/sevlyar/go-daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rangeFlags are the flags shared by mount and resolve.
type rangeFlags struct {
	config.Flags

	Starts  []uint
	Lengths []uint
	UIDs    []uint
	GIDs    []uint
	Options string
}

func (rf *rangeFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArrayVarP(&rf.Files, "file", "f", nil, "source file to map a range from (repeatable)")
	flags.StringArrayVarP(&rf.Names, "name", "n", nil, "name of the mounted file (default: source base name)")
	flags.UintSliceVarP(&rf.Starts, "start", "s", nil, "start of the range in the source (default: 0)")
	flags.UintSliceVarP(&rf.Lengths, "length", "l", nil, "length of the range (default: to end of source)")
	flags.UintSliceVarP(&rf.UIDs, "uid", "u", nil, "owner of the mounted files; one value applies to all")
	flags.UintSliceVarP(&rf.GIDs, "gid", "g", nil, "group of the mounted files; one value applies to all")
	flags.StringVar(&rf.Mode, "mode", "", "permission bits of the mounted files, octal (write bits are dropped)")
	flags.StringVarP(&rf.ConfigFile, "config", "c", "", "configuration file listing ranges")
	flags.StringArrayVar(&rf.TarFiles, "tar", nil, "expose every member of an uncompressed tar archive")
	flags.StringArrayVar(&rf.Indexes, "index", nil, "expose the members recorded in a tar index")
	flags.StringVarP(&rf.Options, "options", "o", "", "comma-separated mount options, as used by mount.fuse")
}

// parse merges the flag values and the option string.
func (rf *rangeFlags) parse() (*config.Flags, error) {
	res := rf.Flags
	for _, v := range rf.Starts {
		res.Starts = append(res.Starts, uint64(v))
	}
	for _, v := range rf.Lengths {
		res.Lengths = append(res.Lengths, uint64(v))
	}
	for _, v := range rf.UIDs {
		if uint64(v) > math.MaxUint32 {
			return nil, fmt.Errorf("uid %d out of range", v)
		}
		res.UIDs = append(res.UIDs, uint32(v))
	}
	for _, v := range rf.GIDs {
		if uint64(v) > math.MaxUint32 {
			return nil, fmt.Errorf("gid %d out of range", v)
		}
		res.GIDs = append(res.GIDs, uint32(v))
	}
	if rf.Options != "" {
		if err := res.ApplyOptions(rf.Options); err != nil {
			return nil, err
		}
	}
	return &res, nil
}

var mountOpts struct {
	rangeFlags

	Foreground bool
	Debug      bool
}

// mountCmd represents the mount command
var mountCmd = &cobra.Command{
	Use:   "mount [fsname] <mountpoint>",
	Short: "Mounts byte ranges of files as a read-only filesystem",
	Long: `Mounts byte ranges of files as a read-only filesystem.

When called as "mount <fsname> <mountpoint>", e.g. by mount.fuse, fsname
names the filesystem and is used as the source file unless ranges are
configured otherwise.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		flags, err := mountOpts.parse()
		if err != nil {
			log.WithError(err).Fatal("invalid options")
		}

		mnt := args[len(args)-1]
		if len(args) == 2 {
			if flags.FsName == "" {
				flags.FsName = args[0]
			}
			if len(flags.Files) == 0 && flags.ConfigFile == "" && len(flags.TarFiles) == 0 && len(flags.Indexes) == 0 {
				flags.Files = []string{args[0]}
			}
		}

		cfg, err := flags.Build()
		if err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		if err := rangefs.Validate(cfg.Ranges, cfg.Options); err != nil {
			log.WithError(err).Fatal("invalid configuration")
		}
		if stat, err := os.Stat(mnt); err != nil || !stat.IsDir() {
			log.WithField("mountpoint", mnt).Fatal("mount point doesn't exist or isn't a directory")
		}

		// the parent is done once the child runs
		if !mountOpts.Foreground && daemonize(flags.LogFile) {
			return
		}

		os.Exit(runMount(cfg, mnt))
	},
}

// daemonize re-executes the process in the background. It returns true in
// the parent and false in the child.
func daemonize(logFile string) bool {
	cntxt := &daemon.Context{
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     ".",
		Umask:       027,
	}
	child, err := cntxt.Reborn()
	if err != nil {
		log.WithError(err).Fatal("cannot start daemon")
	}
	return child != nil
}

func runMount(cfg *config.Mount, mnt string) int {
	t0 := time.Now()
	session := rangefs.NewSession(cfg.AutoUnmount)

	table, err := rangefs.Build(cfg.Ranges, cfg.Options)
	if err != nil {
		session.Abort()
		log.WithError(err).Error("cannot build filesystem")
		return 1
	}

	server, err := rangefs.Mount(table, rangefs.MountOptions{
		Mountpoint: mnt,
		FsName:     cfg.FsName,
		AllowOther: cfg.AllowOther,
		AllowRoot:  cfg.AllowRoot,
		Timeout:    cfg.Timeout,
		Options:    cfg.MountOptions,
		Debug:      mountOpts.Debug,
	})
	if err != nil {
		session.Abort()
		_ = table.Close()
		log.WithError(err).Error("cannot mount")
		return 1
	}
	if err := session.Mounted(server, table); err != nil {
		log.WithError(err).Error("cannot start session")
		return 1
	}
	// with auto-unmount, leaving runMount for any reason unmounts
	defer func() {
		if err := session.Shutdown(); err != nil {
			log.WithError(err).Warn("cannot unmount on exit")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.HandleSignals(ctx)

	st := table.Statfs()
	log.WithField("mountpoint", mnt).
		WithField("files", st.Files).
		WithField("size", humanize.IBytes(st.Blocks*uint64(st.Frsize))).
		WithField("duration", time.Since(t0)).
		Info("mounted")

	if err := session.Wait(); err != nil {
		log.WithError(err).Warn("cannot release sources")
	}
	log.WithField("mountpoint", mnt).Info("unmounted")
	return 0
}

func init() {
	rootCmd.AddCommand(mountCmd)

	mountOpts.register(mountCmd)
	flags := mountCmd.Flags()
	flags.BoolVar(&mountOpts.AllowOther, "allow-other", false, "allow other users to access the mounted filesystem")
	flags.BoolVar(&mountOpts.AllowRoot, "allow-root", false, "allow root to access the mounted filesystem")
	flags.BoolVarP(&mountOpts.AutoUnmount, "auto-unmount", "a", false, "unmount when the process is terminated")
	flags.Uint64VarP(&mountOpts.Timeout, "timeout", "t", 1, "kernel cache timeout for entries and attributes in seconds")
	flags.BoolVar(&mountOpts.Foreground, "foreground", false, "run in the foreground")
	flags.StringVar(&mountOpts.LogFile, "log-file", "", "write output to this file when running in the background")
	flags.BoolVar(&mountOpts.Debug, "debug", false, "log every FUSE request")
}
