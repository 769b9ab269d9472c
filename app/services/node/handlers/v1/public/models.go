package public

import (
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
)

type account struct {
	Account string          `json:"account"`
	Name    string          `json:"name"`
	Balance database.Amount `json:"balance"`
}

type accounts struct {
	LatestBlock string    `json:"latest_block"`
	Uncommitted int       `json:"uncommitted"`
	Accounts    []account `json:"accounts"`
}

type tx struct {
	ID       string          `json:"id"`
	From     string          `json:"from"`
	FromName string          `json:"from_name"`
	To       string          `json:"to"`
	ToName   string          `json:"to_name"`
	Amount   database.Amount `json:"amount"`
}

type block struct {
	Index        uint64 `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
	Nonce        uint64 `json:"nonce"`
	Transactions []tx   `json:"transactions"`
}

type brokenLink struct {
	Index uint64 `json:"index"`
	Error string `json:"error"`
}

type verification struct {
	Blocks int          `json:"blocks"`
	Valid  bool         `json:"valid"`
	Broken []brokenLink `json:"broken,omitempty"`
}

// submitTx is the payload a client posts to submit a transfer.
type submitTx struct {
	From   string          `json:"from" validate:"required"`
	To     string          `json:"to" validate:"required,nefield=From"`
	Amount database.Amount `json:"amount" validate:"gt=0"`
}

type submitted struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}
