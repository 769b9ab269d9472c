package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/seagullcoin/blockchain/foundation/blockchain/accounts"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/genesis"
	"github.com/seagullcoin/blockchain/foundation/blockchain/storage"
	"github.com/spf13/cobra"
)

var account string

// balancesCmd replays the stored chain and prints the balances.
var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Replay the stored chain and print the balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, err := genesis.Load(genesisPath)
		if err != nil {
			return err
		}

		strg, err := storage.Open(dbEngine, dbPath)
		if err != nil {
			return err
		}
		defer strg.Close()

		return Balances(cmd.OutOrStdout(), strg, gen.Fee, account)
	},
}

func init() {
	balancesCmd.Flags().StringVarP(&account, "account", "a", "", "Only print the balance of this account.")
}

// Balances replays the blocks in storage and writes the balances. An empty
// account prints every balance.
func Balances(w io.Writer, strg database.Storage, fee database.Amount, account string) error {
	blocks, err := database.ReadAll(strg)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return fmt.Errorf("no blocks in storage")
	}

	act := accounts.New(fee)
	if err := act.InitializeFromBlockchain(blocks); err != nil {
		return fmt.Errorf("replaying chain: %w", err)
	}

	fmt.Fprintf(w, "LatestBlockHash: %s\n\n", blocks[len(blocks)-1].Hash)

	if account != "" {
		fmt.Fprintf(w, "Account: %s  Balance: %s\n", account, act.Balance(account))
		return nil
	}

	balances := act.Copy()
	names := make([]string, 0, len(balances))
	for name := range balances {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintf(w, "Account: %s  Balance: %s\n", name, balances[name])
	}

	return nil
}
