// Command ucfsshell is the optional interactive/scriptable shell:
// cat, cd, cp, date, df, ls, mkdir, mkfs, mount, mv, od, pwd,
// rm, rmdir, touch, umount, wc, each individually toggleable.
//
// Grounded on the prior implementation's cmd/main.go (a *cli.App with one *cli.Command
// per verb, each Action a plain function taking *cli.Context), generalized
// from the prior implementation's single "format" verb to the full shell surface, with
// every command gated by a config.ShellConfig flag the way the suite's
// other optional features are gated by config.SuiteConfig.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/ucfs/ucfs/config"
	"github.com/ucfs/ucfs/device/ram"
	"github.com/ucfs/ucfs/fat"
	"github.com/ucfs/ucfs/suite"
	"github.com/ucfs/ucfs/ucfs"
)

// session holds the one mounted volume this shell drives interactively; a
// scriptable batch tool instead of a suite-hosting daemon, so one process
// talks to one volume at a time.
type session struct {
	su   *suite.Suite
	task fsapiTask
}

// fsapiTask is this process's single fsapi.TaskToken; a shell has exactly
// one caller, so it never needs more than the zero value.
type fsapiTask struct{}

const volumeName = "vol"

func main() {
	shellCfg := config.AllShellCommandsEnabled()

	s, err := suite.New(config.DefaultSuiteConfig())
	if err != nil {
		log.Fatalf("fatal error: %s", err)
	}
	if err := s.AddDriver("ram", ram.New); err != nil {
		log.Fatalf("fatal error: %s", err)
	}
	sess := &session{su: s}

	app := &cli.App{
		Name:  "ucfsshell",
		Usage: "Inspect and manipulate a uC/FS FAT volume",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "sectors", Value: 2880, Usage: "RAM disk sector count for a fresh image"},
			&cli.UintFlag{Name: "sector-size", Value: 512, Usage: "RAM disk sector size for a fresh image"},
		},
		Before: func(c *cli.Context) error {
			return sess.openRAM(uint(c.Uint("sectors")), uint(c.Uint("sector-size")))
		},
		Commands: sess.commands(shellCfg),
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err)
	}
}

func (s *session) openRAM(sectorCount, sectorSize uint) error {
	return s.su.Open(volumeName, suite.VolumeOptions{
		DriverName: "ram",
		DriverCfg:  ram.Config{SectorSize: sectorSize, SectorCount: sectorCount},
	})
}

func (s *session) commands(cfg config.ShellConfig) []*cli.Command {
	var cmds []*cli.Command
	add := func(enabled bool, cmd *cli.Command) {
		if enabled {
			cmds = append(cmds, cmd)
		}
	}

	add(cfg.Mkfs, &cli.Command{
		Name:      "mkfs",
		Usage:     "Low-level format the volume with a fresh FAT filesystem",
		ArgsUsage: "[label]",
		Action: func(c *cli.Context) error {
			opts := fat.DefaultFormatOptions()
			opts.VolumeLabel = c.Args().First()
			return s.su.Format(volumeName, opts)
		},
	})

	add(cfg.Mount, &cli.Command{
		Name:  "mount",
		Usage: "Mount the formatted volume",
		Action: func(c *cli.Context) error {
			_, err := s.su.Mount(volumeName, true)
			return err
		},
	})

	add(cfg.Umount, &cli.Command{
		Name:  "umount",
		Usage: "Flush and close the volume",
		Action: func(c *cli.Context) error {
			return s.su.Close(volumeName)
		},
	})

	add(cfg.Pwd, &cli.Command{
		Name:  "pwd",
		Usage: "Print the current working directory",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			fmt.Println(api.Getwd(s.task))
			return nil
		},
	})

	add(cfg.Cd, &cli.Command{
		Name:      "cd",
		Usage:     "Change the current working directory",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			return api.Chdir(s.task, c.Args().First())
		},
	})

	add(cfg.Ls, &cli.Command{
		Name:      "ls",
		Usage:     "List a directory's contents",
		ArgsUsage: "[PATH]",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			path := c.Args().First()
			if path == "" {
				path = "."
			}
			entries, err := api.ReadDir(s.task, path)
			if err != nil {
				return err
			}
			for _, e := range entries {
				marker := ""
				if e.IsDir() {
					marker = "/"
				}
				fmt.Printf("%s%s\n", e.Name(), marker)
			}
			return nil
		},
	})

	add(cfg.Mkdir, &cli.Command{
		Name:      "mkdir",
		Usage:     "Create a directory",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			return api.Mkdir(s.task, c.Args().First())
		},
	})

	add(cfg.Rmdir, &cli.Command{
		Name:      "rmdir",
		Usage:     "Remove an empty directory",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			return api.Rmdir(s.task, c.Args().First())
		},
	})

	add(cfg.Rm, &cli.Command{
		Name:      "rm",
		Usage:     "Remove a file",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			return api.Remove(s.task, c.Args().First())
		},
	})

	add(cfg.Mv, &cli.Command{
		Name:      "mv",
		Usage:     "Rename or move a file or directory",
		ArgsUsage: "SRC DST",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			return api.Rename(s.task, c.Args().Get(0), c.Args().Get(1))
		},
	})

	add(cfg.Touch, &cli.Command{
		Name:      "touch",
		Usage:     "Create a file if it doesn't already exist",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			f, err := api.Open(s.task, c.Args().First(), ucfs.O_CREATE|ucfs.O_WRONLY)
			if err != nil {
				return err
			}
			return f.Close()
		},
	})

	add(cfg.Cat, &cli.Command{
		Name:      "cat",
		Usage:     "Print a file's contents",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			f, err := api.Open(s.task, c.Args().First(), ucfs.O_RDONLY)
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, 4096)
			for {
				n, err := f.Read(buf)
				if n > 0 {
					os.Stdout.Write(buf[:n])
				}
				if err != nil {
					break
				}
			}
			return nil
		},
	})

	add(cfg.Wc, &cli.Command{
		Name:      "wc",
		Usage:     "Count bytes and lines in a file",
		ArgsUsage: "PATH",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			f, err := api.Open(s.task, c.Args().First(), ucfs.O_RDONLY)
			if err != nil {
				return err
			}
			defer f.Close()
			buf := make([]byte, 4096)
			var bytesRead, lines int64
			for {
				n, err := f.Read(buf)
				for _, b := range buf[:n] {
					if b == '\n' {
						lines++
					}
				}
				bytesRead += int64(n)
				if err != nil {
					break
				}
			}
			fmt.Printf("%d %d %s\n", lines, bytesRead, c.Args().First())
			return nil
		},
	})

	add(cfg.Cp, &cli.Command{
		Name:      "cp",
		Usage:     "Copy a file within the volume",
		ArgsUsage: "SRC DST",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			src, err := api.Open(s.task, c.Args().Get(0), ucfs.O_RDONLY)
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := api.Open(s.task, c.Args().Get(1), ucfs.O_CREATE|ucfs.O_TRUNC|ucfs.O_WRONLY)
			if err != nil {
				return err
			}
			defer dst.Close()

			buf := make([]byte, 4096)
			for {
				n, rerr := src.Read(buf)
				if n > 0 {
					if _, werr := dst.Write(buf[:n]); werr != nil {
						return werr
					}
				}
				if rerr != nil {
					break
				}
			}
			return nil
		},
	})

	add(cfg.Od, &cli.Command{
		Name:      "od",
		Usage:     "Dump a raw sector in hex",
		ArgsUsage: "SECTOR",
		Action: func(c *cli.Context) error {
			n, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return err
			}
			data, err := s.su.ReadSector(volumeName, ucfs.SectorTypeUnknown, n)
			if err != nil {
				return err
			}
			for i := 0; i < len(data); i += 16 {
				end := i + 16
				if end > len(data) {
					end = len(data)
				}
				fmt.Printf("%06o  % x\n", i, data[i:end])
			}
			return nil
		},
	})

	add(cfg.Df, &cli.Command{
		Name:  "df",
		Usage: "Report volume size and geometry",
		Action: func(c *cli.Context) error {
			q, err := s.su.Query(volumeName)
			if err != nil {
				return err
			}
			fmt.Printf("%d sectors x %d bytes\n", q.SectorCount, q.SectorSize)
			return nil
		},
	})

	add(cfg.Date, &cli.Command{
		Name:  "date",
		Usage: "Print a file's last-modified time",
		Action: func(c *cli.Context) error {
			api, err := s.su.FS(volumeName)
			if err != nil {
				return err
			}
			stat, err := api.Stat(s.task, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Println(stat.LastModified)
			return nil
		},
	})

	return cmds
}
