package node

import (
	"time"
)

// Commands of the node API.
const (
	CmdGetNodeInfo              = "getNodeInfo"
	CmdGetNeighbors             = "getNeighbors"
	CmdAddNeighbors             = "addNeighbors"
	CmdRemoveNeighbors          = "removeNeighbors"
	CmdGetTips                  = "getTips"
	CmdGetTransactionsToApprove = "getTransactionsToApprove"
	CmdAttachToTangle           = "attachToTangle"
	CmdStoreTransactions        = "storeTransactions"
	CmdBroadcastTransactions    = "broadcastTransactions"
	CmdCheckConsistency         = "checkConsistency"
	CmdGetBalances              = "getBalances"
	CmdFindTransactions         = "findTransactions"
	CmdWereAddressesSpentFrom   = "wereAddressesSpentFrom"
	CmdGetTrytes                = "getTrytes"
	CmdGetInclusionStates       = "getInclusionStates"
)

// idempotentCommands are the read only commands. Only these are retried,
// repeating a write could submit a bundle twice.
var idempotentCommands = map[string]bool{
	CmdGetNodeInfo:              true,
	CmdGetNeighbors:             true,
	CmdGetTips:                  true,
	CmdGetTransactionsToApprove: true,
	CmdCheckConsistency:         true,
	CmdGetBalances:              true,
	CmdFindTransactions:         true,
	CmdWereAddressesSpentFrom:   true,
	CmdGetTrytes:                true,
	CmdGetInclusionStates:       true,
}

// API request and response types of the node JSON API.

// commandRequest is embedded in every request.
type commandRequest struct {
	Command string `json:"command"`
}

// errorResponse is returned by the node on failure.
type errorResponse struct {
	Error     string `json:"error"`
	Exception string `json:"exception,omitempty"`
}

// NodeInfo describes the state of a node.
type NodeInfo struct {
	AppName                            string   `json:"appName"`
	AppVersion                         string   `json:"appVersion"`
	JREAvailableProcessors             int      `json:"jreAvailableProcessors,omitempty"`
	LatestMilestone                    string   `json:"latestMilestone"`
	LatestMilestoneIndex               int64    `json:"latestMilestoneIndex"`
	LatestSolidSubtangleMilestone      string   `json:"latestSolidSubtangleMilestone"`
	LatestSolidSubtangleMilestoneIndex int64    `json:"latestSolidSubtangleMilestoneIndex"`
	MilestoneStartIndex                int64    `json:"milestoneStartIndex,omitempty"`
	Neighbors                          int      `json:"neighbors"`
	Time                               int64    `json:"time"`
	Tips                               int      `json:"tips"`
	TransactionsToRequest              int      `json:"transactionsToRequest"`
	Features                           []string `json:"features,omitempty"`
	CoordinatorAddress                 string   `json:"coordinatorAddress,omitempty"`
	Duration                           int64    `json:"duration"`
}

// IsSynced reports whether the node has solidified up to the latest
// milestone.
func (n *NodeInfo) IsSynced() bool {
	return n.LatestMilestoneIndex > 0 &&
		n.LatestMilestoneIndex == n.LatestSolidSubtangleMilestoneIndex
}

// Neighbor is a peer of the node.
type Neighbor struct {
	Address                     string `json:"address"`
	ConnectionType              string `json:"connectionType,omitempty"`
	NumberOfAllTransactions     int64  `json:"numberOfAllTransactions"`
	NumberOfInvalidTransactions int64  `json:"numberOfInvalidTransactions"`
	NumberOfNewTransactions     int64  `json:"numberOfNewTransactions"`
	NumberOfRandomTransactions  int64  `json:"numberOfRandomTransactionRequests"`
	NumberOfSentTransactions    int64  `json:"numberOfSentTransactions"`
}

type getNeighborsResponse struct {
	Neighbors []Neighbor `json:"neighbors"`
}

type neighborsRequest struct {
	commandRequest
	URIs []string `json:"uris"`
}

type addNeighborsResponse struct {
	AddedNeighbors int `json:"addedNeighbors"`
}

type removeNeighborsResponse struct {
	RemovedNeighbors int `json:"removedNeighbors"`
}

type getTipsResponse struct {
	Hashes []string `json:"hashes"`
}

type getTransactionsToApproveRequest struct {
	commandRequest
	Depth     uint64 `json:"depth"`
	Reference string `json:"reference,omitempty"`
}

type getTransactionsToApproveResponse struct {
	TrunkTransaction  string `json:"trunkTransaction"`
	BranchTransaction string `json:"branchTransaction"`
}

type attachToTangleRequest struct {
	commandRequest
	TrunkTransaction   string   `json:"trunkTransaction"`
	BranchTransaction  string   `json:"branchTransaction"`
	MinWeightMagnitude int      `json:"minWeightMagnitude"`
	Trytes             []string `json:"trytes"`
}

type trytesRequest struct {
	commandRequest
	Trytes []string `json:"trytes"`
}

type trytesResponse struct {
	Trytes []string `json:"trytes"`
}

type checkConsistencyRequest struct {
	commandRequest
	Tails []string `json:"tails"`
}

type checkConsistencyResponse struct {
	State bool   `json:"state"`
	Info  string `json:"info"`
}

type getBalancesRequest struct {
	commandRequest
	Addresses []string `json:"addresses"`
	Threshold int      `json:"threshold"`
}

type getBalancesResponse struct {
	Balances       []string `json:"balances"`
	References     []string `json:"references,omitempty"`
	MilestoneIndex int64    `json:"milestoneIndex"`
}

type findTransactionsRequest struct {
	commandRequest
	Addresses []string `json:"addresses,omitempty"`
	Bundles   []string `json:"bundles,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Approvees []string `json:"approvees,omitempty"`
}

type hashesResponse struct {
	Hashes []string `json:"hashes"`
}

type addressesRequest struct {
	commandRequest
	Addresses []string `json:"addresses"`
}

type statesResponse struct {
	States []bool `json:"states"`
}

type hashesRequest struct {
	commandRequest
	Hashes []string `json:"hashes"`
}

type getInclusionStatesRequest struct {
	commandRequest
	Transactions []string `json:"transactions"`
}

// FindQuery selects transactions by any of its fields. Results match any
// of the given values.
type FindQuery struct {
	Addresses []string
	Bundles   []string
	Tags      []string
	Approvees []string
}

// cacheEntry is a cache entry with TTL.
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}
