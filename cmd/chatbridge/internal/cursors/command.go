// Package cursors implements offline inspection and compaction of the
// cursor file, for use while the bridge is stopped.
package cursors

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatbridge/pkg/cursor"
)

func NewCursorsCommand() *cobra.Command {
	var (
		file     string
		compact  bool
		capacity int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:     "cursors",
		Short:   "Inspect or compact the cursor file",
		Example: "chatbridge cursors --file state/chatbridge_cursors.json --compact --capacity 500",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return cursorsCmd(file, compact, capacity, dryRun)
		},
	}

	cmd.Flags().StringVar(&file, "file", "state/chatbridge_cursors.json", "Cursor file path")
	cmd.Flags().BoolVar(&compact, "compact", false, "Drop lowest-sequence entries beyond --capacity")
	cmd.Flags().IntVar(&capacity, "capacity", 1000, "Maximum entries to keep when compacting")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what compaction would drop without writing")

	return cmd
}

func cursorsCmd(file string, compact bool, capacity int, dryRun bool) error {
	if compact && capacity <= 0 {
		return fmt.Errorf("--capacity must be > 0, got %d", capacity)
	}

	store := cursor.Open(file, zerolog.Nop())
	total := store.Len()
	fmt.Printf("%s: %d conversation(s)\n", file, total)

	for _, e := range store.Recent(total) {
		fmt.Printf("  %-24s %d\n", e.Key, e.Sequence)
	}

	if !compact {
		return nil
	}

	excess := total - capacity
	if excess <= 0 {
		fmt.Printf("Nothing to compact (capacity %d)\n", capacity)
		return nil
	}
	if dryRun {
		fmt.Printf("Would drop %d entr(ies) to fit capacity %d\n", excess, capacity)
		return nil
	}

	dropped, err := store.Evict(capacity)
	if err != nil {
		return fmt.Errorf("compacting cursor file: %w", err)
	}
	fmt.Printf("Dropped %d entr(ies), kept %d\n", dropped, store.Len())
	return nil
}
