package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/devblac/intent-indexer/internal/subscriber"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// buildMeta fills commit and date from the VCS stamp when ldflags left them empty.
func buildMeta() (rev, built string, dirty bool) {
	rev, built = commit, date
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return rev, built, false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if rev == "" {
				rev = s.Value
			}
		case "vcs.time":
			if built == "" {
				built = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return rev, built, dirty
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		rev, built, dirty := buildMeta()
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if dirty {
			rev += "-dirty"
		}
		fmt.Fprintf(out, "intent-indexer %s\n", version)
		if rev != "" {
			fmt.Fprintf(out, "  commit:  %s\n", rev)
		}
		if built != "" {
			fmt.Fprintf(out, "  built:   %s\n", built)
		}
		fmt.Fprintf(out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "  events:  %s, %s, %s\n", subscriber.EventOpened, subscriber.EventFilled, subscriber.EventCancelled)
		return nil
	},
}
