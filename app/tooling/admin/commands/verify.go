package commands

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage"
	"github.com/spf13/cobra"
)

// verifyCmd walks the stored chain and reports broken links.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the stored chain and report every broken link",
	RunE: func(cmd *cobra.Command, args []string) error {
		strg, err := storage.Open(dbEngine, dbPath)
		if err != nil {
			return err
		}
		defer strg.Close()

		valid, err := Verify(cmd.OutOrStdout(), cmd.ErrOrStderr(), strg)
		if err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("chain is broken")
		}

		return nil
	},
}

// Verify reads every block through the storage iterator, showing progress
// on the progress writer, and writes the broken links it finds. It reports
// whether the whole chain is valid.
func Verify(w io.Writer, progress io.Writer, strg database.Storage) (bool, error) {
	bar := progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("Reading blocks..."),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
	)

	var blocks []database.Block
	iter := strg.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			return false, err
		}
		blocks = append(blocks, block)
		bar.Add(1)
	}

	if err := bar.Finish(); err != nil {
		return false, fmt.Errorf("failed to finish progress bar: %w", err)
	}

	broken := database.VerifyChain(blocks)
	for _, le := range broken {
		fmt.Fprintf(w, "Block %d: %v\n", le.Index, le)
	}

	valid := len(blocks) > 0 && len(broken) == 0
	fmt.Fprintf(w, "Blocks: %d  Valid: %t\n", len(blocks), valid)

	return valid, nil
}
