package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/seagullcoin/blockchain/business/web/errs"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/peer"
	"github.com/spf13/cobra"
)

var (
	from   string
	to     string
	amount string
)

// sendCmd posts a transaction to a node.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit a transaction to a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		amt, err := database.ParseAmount(amount)
		if err != nil {
			return err
		}

		return Send(cmd.OutOrStdout(), newClient(publicURL), from, to, amt)
	},
}

// statusCmd prints the status a node reports to its peers.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return Status(cmd.OutOrStdout(), newClient(privateURL))
	},
}

func init() {
	sendCmd.Flags().StringVarP(&from, "from", "f", "", "Account sending the coins.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Account receiving the coins.")
	sendCmd.Flags().StringVarP(&amount, "amount", "v", "", "Amount of coins to send.")
	sendCmd.MarkFlagRequired("from")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("amount")
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
}

// Send submits the transfer through the node's public api.
func Send(w io.Writer, client *resty.Client, from string, to string, amount database.Amount) error {
	req := struct {
		From   string          `json:"from"`
		To     string          `json:"to"`
		Amount database.Amount `json:"amount"`
	}{
		From:   from,
		To:     to,
		Amount: amount,
	}

	var result struct {
		Status string `json:"status"`
		ID     string `json:"id"`
	}
	var failure errs.Response

	resp, err := client.R().
		SetBody(req).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/tx/submit")
	if err != nil {
		return fmt.Errorf("submitting transaction: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("submitting transaction: %s: %s", resp.Status(), failure.Error)
	}

	fmt.Fprintf(w, "%s: %s\n", result.Status, result.ID)
	return nil
}

// Status fetches and prints the node status from the private api.
func Status(w io.Writer, client *resty.Client) error {
	var status peer.PeerStatus

	resp, err := client.R().
		SetResult(&status).
		Get("/v1/node/status")
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetching status: %s", resp.Status())
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(w, string(data))
	return nil
}
