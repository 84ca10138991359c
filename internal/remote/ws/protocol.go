package ws

import (
	"encoding/json"

	"mirage/pkg/model"
)

// Message types
const (
	TypeAuth           = "auth"
	TypeAuthAck        = "auth_ack"
	TypeGet            = "get"
	TypeGetAck         = "get_ack"
	TypeQuery          = "query"
	TypeQueryAck       = "query_ack"
	TypeWrite          = "write"
	TypeWriteAck       = "write_ack"
	TypeDelete         = "delete"
	TypeDeleteAck      = "delete_ack"
	TypeCommit         = "commit"
	TypeCommitAck      = "commit_ack"
	TypeTxnBegin       = "txn_begin"
	TypeTxnBeginAck    = "txn_begin_ack"
	TypeTxnGet         = "txn_get"
	TypeTxnGetAck      = "txn_get_ack"
	TypeTxnCommit      = "txn_commit"
	TypeTxnCommitAck   = "txn_commit_ack"
	TypeTxnAbort       = "txn_abort"
	TypeSubscribe      = "subscribe"
	TypeSubscribeAck   = "subscribe_ack"
	TypeUnsubscribe    = "unsubscribe"
	TypeUnsubscribeAck = "unsubscribe_ack"
	TypeEvent          = "event"
	TypeSnapshot       = "snapshot"
	TypeError          = "error"
)

// BaseMessage is the envelope for all messages
type BaseMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload
type AuthPayload struct {
	Token string `json:"token"`
}

// RefPayload addresses one document.
type RefPayload struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

// DocPayload (Server -> Client)
type DocPayload struct {
	Path   string                 `json:"path"`
	ID     string                 `json:"id"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Exists bool                   `json:"exists"`
}

// QueryPayload
type QueryPayload struct {
	Query model.Query `json:"query"`
}

// QueryAckPayload (Server -> Client)
type QueryAckPayload struct {
	Documents []DocPayload `json:"documents"`
	FromCache bool         `json:"fromCache,omitempty"`
}

// WritePayload carries one write; fields may hold operator tuples.
type WritePayload struct {
	Path        string                 `json:"path"`
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	FieldUpdate bool                   `json:"fieldUpdate,omitempty"`
}

// CommitPayload commits a batch atomically.
type CommitPayload struct {
	Writes  []WritePayload `json:"writes,omitempty"`
	Deletes []RefPayload   `json:"deletes,omitempty"`
}

// TxnPayload carries the transaction handle issued by txn_begin_ack.
type TxnPayload struct {
	Txn string `json:"txn"`
}

// TxnGetPayload
type TxnGetPayload struct {
	Txn  string `json:"txn"`
	Path string `json:"path"`
	ID   string `json:"id"`
}

// TxnCommitPayload
type TxnCommitPayload struct {
	Txn     string         `json:"txn"`
	Writes  []WritePayload `json:"writes,omitempty"`
	Deletes []RefPayload   `json:"deletes,omitempty"`
}

// SubscribePayload
type SubscribePayload struct {
	Query        model.Query `json:"query"`
	IncludeData  bool        `json:"includeData"`  // If true, events will include the full document
	SendSnapshot bool        `json:"sendSnapshot"` // If true, sends current state immediately
}

// UnsubscribePayload
type UnsubscribePayload struct {
	ID string `json:"id"`
}

// EventPayload (Server -> Client)
type EventPayload struct {
	SubID string      `json:"subId"`
	Delta PublicEvent `json:"delta"`
}

type PublicEvent struct {
	Type      string                 `json:"type"`
	Document  map[string]interface{} `json:"document,omitempty"`
	Path      string                 `json:"path"`
	ID        string                 `json:"id"`
	OldIndex  int                    `json:"oldIndex"`
	NewIndex  int                    `json:"newIndex"`
	Timestamp int64                  `json:"timestamp"`
}

// SnapshotPayload (Server -> Client)
type SnapshotPayload struct {
	SubID     string       `json:"subId"`
	Documents []DocPayload `json:"documents"`
	FromCache bool         `json:"fromCache,omitempty"`
}

// ErrorPayload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
