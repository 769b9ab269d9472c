// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/seagullcoin/blockchain/business/web/errs"
	"github.com/seagullcoin/blockchain/foundation/blockchain/database"
	"github.com/seagullcoin/blockchain/foundation/blockchain/state"
	"github.com/seagullcoin/blockchain/foundation/events"
	"github.com/seagullcoin/blockchain/foundation/nameservice"
	"github.com/seagullcoin/blockchain/foundation/validate"
	"github.com/seagullcoin/blockchain/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log     *zap.SugaredLogger
	State   *state.State
	NS      *nameservice.NameService
	WS      websocket.Upgrader
	Evts    *events.Events
	Origins []string
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = h.checkOrigin

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Genesis(), http.StatusOK)
}

// Accounts returns the current balances for all accounts or the one
// specified.
func (h Handlers) Accounts(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := web.Param(r, "account")

	var balances map[string]database.Amount
	switch acct {
	case "":
		balances = h.State.Accounts()
	default:
		balances = map[string]database.Amount{acct: h.State.Balance(acct)}
	}

	acts := make([]account, 0, len(balances))
	for acct, balance := range balances {
		acts = append(acts, account{
			Account: acct,
			Name:    h.NS.Lookup(acct),
			Balance: balance,
		})
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].Account < acts[j].Account })

	ai := accounts{
		LatestBlock: h.State.LatestBlock().Hash,
		Uncommitted: h.State.MempoolLength(),
		Accounts:    acts,
	}

	return web.Respond(ctx, w, ai, http.StatusOK)
}

// Blocks returns every block in the chain.
func (h Handlers) Blocks(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	dbBlocks := h.State.Blocks()

	blocks := make([]block, len(dbBlocks))
	for i, blk := range dbBlocks {
		blocks[i] = block{
			Index:        blk.Index,
			Timestamp:    blk.Timestamp,
			PreviousHash: blk.PreviousHash,
			Hash:         blk.Hash,
			Nonce:        blk.Nonce,
			Transactions: h.toTxs(blk.Transactions),
		}
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// VerifyChain walks the stored chain and reports every broken link.
func (h Handlers) VerifyChain(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	broken, n, err := h.State.VerifyChain()
	if err != nil {
		return err
	}

	resp := verification{
		Blocks: n,
		Valid:  len(broken) == 0,
	}
	for _, le := range broken {
		resp.Broken = append(resp.Broken, brokenLink{Index: le.Index, Error: le.Error()})
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.toTxs(h.State.Mempool()), http.StatusOK)
}

// SubmitTransaction adds a new transaction to the mempool and shares it
// with the network.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var req submitTx
	if err := web.Decode(r, &req); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := validate.Check(req); err != nil {
		return err
	}

	tx, err := h.State.SubmitTransaction(database.NewTx(req.From, req.To, req.Amount))
	if err != nil {
		if errors.Is(err, database.ErrInsufficientFunds) || errors.Is(err, database.ErrInvalidTransaction) {
			return errs.NewTrusted(err, http.StatusBadRequest)
		}
		return err
	}

	h.Log.Infow("submit tran", "traceid", v.TraceID, "id", tx.ID, "from", tx.From, "to", tx.To, "amount", tx.Amount)

	resp := submitted{
		Status: "transaction added to mempool",
		ID:     tx.ID,
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Proposals returns the live and recently decided proposals.
func (h Handlers) Proposals(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Proposals(), http.StatusOK)
}

// =============================================================================

func (h Handlers) toTxs(dbTxs []database.Tx) []tx {
	txs := make([]tx, len(dbTxs))
	for i, tran := range dbTxs {
		txs[i] = tx{
			ID:       tran.ID,
			From:     tran.From,
			FromName: h.NS.Lookup(tran.From),
			To:       tran.To,
			ToName:   h.NS.Lookup(tran.To),
			Amount:   tran.Amount,
		}
	}
	return txs
}

func (h Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowed := range h.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return origin == ""
}
