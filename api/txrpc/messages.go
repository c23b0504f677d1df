// Package txrpc is the gRPC transport between clients and servers of the grid
// and between the servers themselves. Messages are plain structs carried by a
// JSON codec.
package txrpc

import (
	"time"

	"github.com/sushant-115/gojogrid/core/transaction"
	"github.com/sushant-115/gojogrid/core/transaction/xa"
)

type GetRequest struct {
	Cache string `json:"cache"`
	Key   []byte `json:"key"`
}

type GetResponse struct {
	Found    bool          `json:"found"`
	Value    []byte        `json:"value,omitempty"`
	Version  uint64        `json:"version,omitempty"`
	Lifespan time.Duration `json:"lifespan,omitempty"`
	MaxIdle  time.Duration `json:"maxIdle,omitempty"`
}

type PutRequest struct {
	Cache    string        `json:"cache"`
	Key      []byte        `json:"key"`
	Value    []byte        `json:"value"`
	Lifespan time.Duration `json:"lifespan,omitempty"`
	MaxIdle  time.Duration `json:"maxIdle,omitempty"`
}

type PutResponse struct {
	Version uint64 `json:"version"`
}

type RemoveRequest struct {
	Cache string `json:"cache"`
	Key   []byte `json:"key"`
}

type RemoveResponse struct {
	Removed bool `json:"removed"`
}

type EntriesRequest struct {
	Cache string `json:"cache"`
}

type EntriesResponse struct {
	Entries []transaction.Entry `json:"entries,omitempty"`
}

type PrepareRequest struct {
	Cache         string                     `json:"cache"`
	Xid           transaction.Xid            `json:"xid"`
	OnePhase      bool                       `json:"onePhase,omitempty"`
	Modifications []transaction.Modification `json:"modifications,omitempty"`
}

type CompleteRequest struct {
	Cache  string          `json:"cache"`
	Xid    transaction.Xid `json:"xid"`
	Commit bool            `json:"commit"`
}

// CodeResponse carries the XA code answered by the server.
type CodeResponse struct {
	Code xa.Code `json:"code"`
}

type ForgetRequest struct {
	Cache string          `json:"cache"`
	Xid   transaction.Xid `json:"xid"`
}

type RecoverRequest struct {
	Cache string `json:"cache"`
}

type RecoverResponse struct {
	Xids []transaction.Xid `json:"xids,omitempty"`
}

type Empty struct{}
