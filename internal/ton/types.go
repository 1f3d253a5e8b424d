package ton

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RPCRequest is a toncenter v2 JSON-RPC request envelope.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  interface{}   `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a toncenter v2 JSON-RPC response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	OK      bool            `json:"ok"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ton rpc error %d: %s", e.Code, e.Message)
}

// Coins is a nanoton amount. The API encodes it as a decimal string.
type Coins int64

func (c *Coins) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			*c = 0
			return nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse coins %q: %w", v, err)
		}
		*c = Coins(n)
	case float64:
		*c = Coins(int64(v))
	case nil:
		*c = 0
	default:
		return fmt.Errorf("unexpected coins encoding %T", raw)
	}
	return nil
}

func (c Coins) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(c), 10))
}

// Message is one side of a value transfer: the incoming message funds the
// account, outgoing messages spend from it.
type Message struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Value       Coins  `json:"value"`
	Memo        string `json:"message"`
}

// TransactionID identifies a transaction on chain.
type TransactionID struct {
	Hash string `json:"hash"`
	LT   string `json:"lt"`
}

// Transaction is an account transaction as reported by the node or index
// API.
type Transaction struct {
	ID      TransactionID `json:"transaction_id"`
	Utime   int64         `json:"utime"`
	Fee     Coins         `json:"fee"`
	InMsg   *Message      `json:"in_msg"`
	OutMsgs []Message     `json:"out_msgs"`
}

// Hash returns the transaction hash.
func (t Transaction) Hash() string { return t.ID.Hash }

// Incoming reports whether the transaction carries an incoming value
// transfer.
func (t Transaction) Incoming() bool {
	return t.InMsg != nil && t.InMsg.Value > 0
}

type masterchainInfo struct {
	Last struct {
		Seqno uint64 `json:"seqno"`
	} `json:"last"`
}

type seqnoResult struct {
	ExitCode int             `json:"exit_code"`
	Stack    [][]interface{} `json:"stack"`
}

type sendResult struct {
	Hash string `json:"hash"`
}
