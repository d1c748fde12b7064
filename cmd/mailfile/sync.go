package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Commit pending changes and pull the latest state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		res, err := s.Sync(cmd.Context())
		if err != nil {
			return err
		}
		if len(res.Committed)+len(res.Conflicted)+len(res.Failed) == 0 {
			fmt.Println("up to date")
			return nil
		}
		return reportSync(res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes and conflicted paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		if err := s.Refresh(cmd.Context()); err != nil {
			return err
		}

		pending := s.Pending()
		for _, p := range pending {
			fmt.Println("pending ", p)
		}

		conflicted := 0
		for _, p := range pending {
			heads, err := s.Heads(cmd.Context(), p)
			if err == nil && len(heads) > 1 {
				fmt.Println(red("conflict"), p)
				conflicted++
			}
		}
		if len(pending) == 0 && conflicted == 0 {
			fmt.Println("clean")
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <remote>",
	Short: "List the revision history of a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		revs, err := s.Versions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		heads, err := s.Heads(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		isHead := make(map[string]bool, len(heads))
		for _, h := range heads {
			isHead[h] = true
		}

		for _, rev := range revs {
			marker := " "
			if isHead[rev.ID] {
				marker = "*"
			}
			kind := ""
			switch {
			case rev.IsTombstone():
				kind = " (deleted)"
			case rev.IsDirMarker():
				kind = " (dir)"
			case len(rev.Parents) > 1:
				kind = " (merge)"
			}
			fmt.Printf("%s %s  %s  %-20s %10s%s\n",
				marker, rev.ID, rev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				rev.Author, humanize.Bytes(uint64(len(rev.Payload))), kind)
		}
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock <remote>",
	Short: "Place an advisory lock claim on a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		if err := s.Lock(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("locked", args[0])
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <remote>",
	Short: "Release this client's lock claim on a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		if err := s.Unlock(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("unlocked", args[0])
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune old revisions beyond the configured keep count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		s, closer, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer closeQuiet(closer)

		removed, err := s.Collect(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("expunged %s\n", humanize.Comma(int64(removed)))
		return nil
	},
}
