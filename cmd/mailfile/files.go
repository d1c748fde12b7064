package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mailfile/mailfile/internal/session"
	msync "github.com/mailfile/mailfile/internal/sync"
	"github.com/mailfile/mailfile/internal/utils"
)

var putCmd = &cobra.Command{
	Use:   "put <local>... <remote>",
	Short: "Upload local files (glob patterns allowed)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		locals, err := expandLocals(args[:len(args)-1])
		if err != nil {
			return err
		}
		remote := args[len(args)-1]

		for _, local := range locals {
			data, err := os.ReadFile(local)
			if err != nil {
				return err
			}
			target := remote
			if len(locals) > 1 {
				// several sources: remote names a directory
				target = path.Join(remote, filepath.Base(local))
			}
			if err := s.WriteFile(cmd.Context(), target, data); err != nil {
				return err
			}
		}

		res, err := s.Sync(cmd.Context())
		if err != nil {
			return err
		}
		return reportSync(res)
	},
}

// expandLocals resolves glob patterns and plain paths into a file list.
func expandLocals(patterns []string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// no glob match: treat as a literal path and fail on read
			out = append(out, pattern)
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				out = append(out, m)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no files matched")
	}
	return out, nil
}

var getCmd = &cobra.Command{
	Use:   "get <remote> [local]",
	Short: "Download a file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		var opts []session.OpenOption
		if rev, _ := cmd.Flags().GetString("revision"); rev != "" {
			opts = append(opts, session.WithRevision(rev))
		}
		f, err := s.Open(cmd.Context(), args[0], opts...)
		if err != nil {
			return err
		}
		defer f.Close()

		local := path.Base(args[0])
		if len(args) == 2 {
			local = args[1]
		}
		if err := utils.EnsureParent(local); err != nil {
			return err
		}
		out, err := os.Create(local)
		if err != nil {
			return err
		}
		defer out.Close()

		n, err := io.Copy(out, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%s)\n", args[0], local, humanize.Bytes(uint64(n)))
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <remote>",
	Short: "Print a file to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		var opts []session.OpenOption
		if rev, _ := cmd.Flags().GetString("revision"); rev != "" {
			opts = append(opts, session.WithRevision(rev))
		}
		f, err := s.Open(cmd.Context(), args[0], opts...)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(os.Stdout, f)
		return err
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		dir := "/"
		if len(args) == 1 {
			dir = args[0]
		}
		entries, err := s.List(cmd.Context(), dir)
		if err != nil {
			return err
		}

		long, _ := cmd.Flags().GetBool("long")
		for _, e := range entries {
			name := e.Name
			if e.IsDir {
				name = cyan(name + "/")
			}
			if !long {
				fmt.Println(name)
				continue
			}
			size := "-"
			mod := "-"
			if !e.IsDir {
				size = humanize.Bytes(uint64(e.Size))
				mod = e.ModTime.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%10s  %-16s  %-20s %s\n", size, mod, e.Author, name)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <remote>...",
	Short: "Delete files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		for _, remote := range args {
			if err := s.Remove(cmd.Context(), remote); err != nil {
				return err
			}
		}
		res, err := s.Sync(cmd.Context())
		if err != nil {
			return err
		}
		return reportSync(res)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <remote>",
	Short: "Create an empty directory marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		if err := s.Mkdir(cmd.Context(), args[0]); err != nil {
			return err
		}
		res, err := s.Sync(cmd.Context())
		if err != nil {
			return err
		}
		return reportSync(res)
	},
}

// reportSync prints a sync result and fails the command when anything did
// not commit cleanly.
func reportSync(res *msync.Result) error {
	for _, p := range res.Committed {
		fmt.Println("committed", p)
	}
	for _, p := range res.Conflicted {
		fmt.Println(red("conflict"), p)
	}
	for _, f := range res.Failed {
		fmt.Println(red("failed"), f.Path+":", f.Err)
	}
	if !res.Clean() {
		return fmt.Errorf("%d change(s) did not commit", len(res.Conflicted)+len(res.Failed))
	}
	return nil
}

func init() {
	getCmd.Flags().StringP("revision", "r", "", "read a specific revision id")
	catCmd.Flags().StringP("revision", "r", "", "read a specific revision id")
	lsCmd.Flags().BoolP("long", "l", false, "long listing")
}
