// Package nodetest provides an in memory node speaking the JSON command API
// for tests.
package nodetest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/pow"
	"github.com/sputn1ck/tanglewallet/tangle"
)

// Node is a fake node backed by maps. It performs real proof of work at
// the configured floor when asked to attach.
type Node struct {
	*httptest.Server

	attacher *pow.Attacher

	mu sync.Mutex

	// Trunk and Branch are returned by tip selection.
	Trunk  tangle.Hash
	Branch tangle.Hash

	balances     map[tangle.Address]uint64
	spent        map[tangle.Address]bool
	confirmed    map[tangle.Hash]bool
	inconsistent map[tangle.Hash]string
	txs          map[tangle.Hash]string
	byAddress    map[tangle.Address][]tangle.Hash
	byBundle     map[tangle.Hash][]tangle.Hash
	neighbors    map[string]bool

	calls      map[string]int
	failures   map[string][]int
	broadcasts [][]string
}

// New starts a fake node. The attacher performs proof of work for
// attachToTangle and should use a low weight floor.
func New(clk clock.Clock) *Node {
	attacher, err := pow.New(&pow.Config{
		Solver:                  pow.NewLocalSolver(1),
		Clock:                   clk,
		MinWeightMagnitudeFloor: 1,
	})
	if err != nil {
		panic(err)
	}

	n := &Node{
		attacher:     attacher,
		Trunk:        hashOf("TRUNKTIP"),
		Branch:       hashOf("BRANCHTIP"),
		balances:     make(map[tangle.Address]uint64),
		spent:        make(map[tangle.Address]bool),
		confirmed:    make(map[tangle.Hash]bool),
		inconsistent: make(map[tangle.Hash]string),
		txs:          make(map[tangle.Hash]string),
		byAddress:    make(map[tangle.Address][]tangle.Hash),
		byBundle:     make(map[tangle.Hash][]tangle.Hash),
		neighbors:    make(map[string]bool),
		calls:        make(map[string]int),
		failures:     make(map[string][]int),
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.handle))

	return n
}

func hashOf(prefix string) tangle.Hash {
	h, err := tangle.HashFromTrytes(
		prefix + strings.Repeat("9", tangle.HashTrytes-len(prefix)),
	)
	if err != nil {
		panic(err)
	}

	return h
}

// SetBalance sets the confirmed balance of addr.
func (n *Node) SetBalance(addr tangle.Address, balance uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.balances[addr] = balance
}

// SetSpent marks addr as spent from.
func (n *Node) SetSpent(addr tangle.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.spent[addr] = true
}

// Confirm marks a transaction as confirmed.
func (n *Node) Confirm(h tangle.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.confirmed[h] = true
}

// SetInconsistent makes consistency checks involving tail fail with info.
func (n *Node) SetInconsistent(tail tangle.Hash, info string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.inconsistent[tail] = info
}

// AddTransactions stores raw transactions as if they were gossiped to the
// node.
func (n *Node) AddTransactions(raw []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.store(raw)
}

// FailNext makes the next calls of command fail with the given HTTP
// statuses, in order.
func (n *Node) FailNext(command string, statuses ...int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failures[command] = append(n.failures[command], statuses...)
}

// Calls returns how often command was received.
func (n *Node) Calls(command string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls[command]
}

// Broadcasts returns the trytes of every broadcast call.
func (n *Node) Broadcasts() [][]string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([][]string, len(n.broadcasts))
	copy(out, n.broadcasts)

	return out
}

// Stored returns the raw trytes of a stored transaction.
func (n *Node) Stored(h tangle.Hash) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	raw, ok := n.txs[h]
	return raw, ok
}

// request is the union of all request bodies.
type request struct {
	Command            string   `json:"command"`
	URIs               []string `json:"uris"`
	Depth              uint64   `json:"depth"`
	Reference          string   `json:"reference"`
	TrunkTransaction   string   `json:"trunkTransaction"`
	BranchTransaction  string   `json:"branchTransaction"`
	MinWeightMagnitude int      `json:"minWeightMagnitude"`
	Trytes             []string `json:"trytes"`
	Tails              []string `json:"tails"`
	Addresses          []string `json:"addresses"`
	Bundles            []string `json:"bundles"`
	Tags               []string `json:"tags"`
	Approvees          []string `json:"approvees"`
	Hashes             []string `json:"hashes"`
	Transactions       []string `json:"transactions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (n *Node) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.Header.Get("X-IOTA-API-Version") == "" {
		writeJSON(w, http.StatusBadRequest, &errorResponse{
			Error: "invalid API version header",
		})
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{
			Error: "invalid request body",
		})
		return
	}

	n.mu.Lock()
	n.calls[req.Command]++
	if fails := n.failures[req.Command]; len(fails) > 0 {
		status := fails[0]
		n.failures[req.Command] = fails[1:]
		n.mu.Unlock()

		writeJSON(w, status, &errorResponse{Error: "injected failure"})
		return
	}
	n.mu.Unlock()

	// Attachment runs unlocked, it can take a while.
	if req.Command == "attachToTangle" {
		n.attach(r.Context(), w, &req)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	status, resp := n.dispatch(&req)
	writeJSON(w, status, resp)
}

func (n *Node) dispatch(req *request) (int, interface{}) {
	switch req.Command {
	case "getNodeInfo":
		return http.StatusOK, map[string]interface{}{
			"appName":                            "nodetest",
			"appVersion":                         "1.0.0",
			"latestMilestone":                    n.Trunk.Trytes(),
			"latestMilestoneIndex":               100,
			"latestSolidSubtangleMilestone":      n.Trunk.Trytes(),
			"latestSolidSubtangleMilestoneIndex": 100,
			"neighbors":                          len(n.neighbors),
			"tips":                               2,
		}

	case "getNeighbors":
		neighbors := make([]map[string]interface{}, 0, len(n.neighbors))
		for uri := range n.neighbors {
			neighbors = append(neighbors, map[string]interface{}{
				"address": uri,
			})
		}
		return http.StatusOK, map[string]interface{}{
			"neighbors": neighbors,
		}

	case "addNeighbors":
		added := 0
		for _, uri := range req.URIs {
			if !strings.Contains(uri, "://") {
				return http.StatusBadRequest, &errorResponse{
					Error: "invalid uri " + uri,
				}
			}
			if !n.neighbors[uri] {
				n.neighbors[uri] = true
				added++
			}
		}
		return http.StatusOK, map[string]int{"addedNeighbors": added}

	case "removeNeighbors":
		removed := 0
		for _, uri := range req.URIs {
			if n.neighbors[uri] {
				delete(n.neighbors, uri)
				removed++
			}
		}
		return http.StatusOK, map[string]int{"removedNeighbors": removed}

	case "getTips":
		return http.StatusOK, map[string][]string{
			"hashes": {n.Trunk.Trytes(), n.Branch.Trytes()},
		}

	case "getTransactionsToApprove":
		if req.Depth == 0 {
			return http.StatusBadRequest, &errorResponse{
				Error: "invalid depth",
			}
		}
		return http.StatusOK, map[string]string{
			"trunkTransaction":  n.Trunk.Trytes(),
			"branchTransaction": n.Branch.Trytes(),
		}

	case "storeTransactions":
		if err := n.store(req.Trytes); err != nil {
			return http.StatusBadRequest, &errorResponse{
				Error: err.Error(),
			}
		}
		return http.StatusOK, struct{}{}

	case "broadcastTransactions":
		for _, raw := range req.Trytes {
			if _, err := tangle.TransactionFromTrytes(raw); err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
		}
		n.broadcasts = append(n.broadcasts, req.Trytes)
		return http.StatusOK, struct{}{}

	case "checkConsistency":
		state, info := true, ""
		for _, raw := range req.Tails {
			h, err := tangle.HashFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			if reason, ok := n.inconsistent[h]; ok {
				state, info = false, reason
			}
		}
		return http.StatusOK, map[string]interface{}{
			"state": state,
			"info":  info,
		}

	case "getBalances":
		balances := make([]string, len(req.Addresses))
		for i, raw := range req.Addresses {
			addr, err := tangle.AddressFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			balances[i] = strconv.FormatUint(n.balances[addr], 10)
		}
		return http.StatusOK, map[string]interface{}{
			"balances":       balances,
			"milestoneIndex": 100,
		}

	case "wereAddressesSpentFrom":
		states := make([]bool, len(req.Addresses))
		for i, raw := range req.Addresses {
			addr, err := tangle.AddressFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			states[i] = n.spent[addr]
		}
		return http.StatusOK, map[string][]bool{"states": states}

	case "findTransactions":
		hashes := make([]string, 0)
		for _, raw := range req.Addresses {
			addr, err := tangle.AddressFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			for _, h := range n.byAddress[addr] {
				hashes = append(hashes, h.Trytes())
			}
		}
		for _, raw := range req.Bundles {
			b, err := tangle.HashFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			for _, h := range n.byBundle[b] {
				hashes = append(hashes, h.Trytes())
			}
		}
		return http.StatusOK, map[string][]string{"hashes": hashes}

	case "getTrytes":
		trytes := make([]string, len(req.Hashes))
		for i, raw := range req.Hashes {
			h, err := tangle.HashFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			stored, ok := n.txs[h]
			if !ok {
				stored = strings.Repeat("9", tangle.TransactionTrytes)
			}
			trytes[i] = stored
		}
		return http.StatusOK, map[string][]string{"trytes": trytes}

	case "getInclusionStates":
		states := make([]bool, len(req.Transactions))
		for i, raw := range req.Transactions {
			h, err := tangle.HashFromTrytes(raw)
			if err != nil {
				return http.StatusBadRequest, &errorResponse{
					Error: err.Error(),
				}
			}
			states[i] = n.confirmed[h]
		}
		return http.StatusOK, map[string][]bool{"states": states}

	default:
		return http.StatusBadRequest, &errorResponse{
			Error: "unknown command " + req.Command,
		}
	}
}

// attach performs the proof of work the way a node does and answers with
// the trytes in request order.
func (n *Node) attach(ctx context.Context, w http.ResponseWriter,
	req *request) {

	trunk, err := tangle.HashFromTrytes(req.TrunkTransaction)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{
			Error: err.Error(),
		})
		return
	}
	branch, err := tangle.HashFromTrytes(req.BranchTransaction)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{
			Error: err.Error(),
		})
		return
	}

	txs := make([]*tangle.Transaction, len(req.Trytes))
	for i, raw := range req.Trytes {
		txs[i], err = tangle.TransactionFromTrytes(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, &errorResponse{
				Error: err.Error(),
			})
			return
		}
	}

	attached, err := n.attacher.AttachToTangle(
		ctx, trunk, branch, txs, req.MinWeightMagnitude,
	)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &errorResponse{
			Error: err.Error(),
		})
		return
	}

	attached = tangle.Reverse(attached)
	trytes := make([]string, len(attached))
	for i, tx := range attached {
		trytes[i], err = tx.Trytes()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError,
				&errorResponse{Error: err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string][]string{"trytes": trytes})
}

// store indexes raw transactions. The caller must hold the lock.
func (n *Node) store(raw []string) error {
	for _, s := range raw {
		tx, err := tangle.TransactionFromTrytes(s)
		if err != nil {
			return err
		}
		h, err := tx.Hash()
		if err != nil {
			return err
		}

		if _, ok := n.txs[h]; ok {
			continue
		}
		n.txs[h] = s
		n.byAddress[tx.Address] = append(n.byAddress[tx.Address], h)
		n.byBundle[tx.Bundle] = append(n.byBundle[tx.Bundle], h)

		if tx.Value < 0 {
			n.spent[tx.Address] = true
		}
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
