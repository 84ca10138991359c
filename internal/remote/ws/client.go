// Package ws implements the remote backend surface over a websocket
// connection speaking the BaseMessage envelope protocol.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mirage/internal/remote"
	"mirage/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Send pings to peer with this period. Must be less than pongWait.
var pingPeriod = (pongWait * 9) / 10

var errClosed = errors.New("ws: connection closed")

type subscription struct {
	query model.Query
	fn    remote.Listener
}

// Client is the connecting side of the realtime protocol: request/ack pairs
// correlated by message id, plus pushed snapshot and event messages routed
// to subscriptions.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	// Buffered channel of outbound messages.
	send chan BaseMessage

	mu      sync.Mutex
	pending map[string]chan BaseMessage
	subs    map[string]*subscription
	closed  bool
	done    chan struct{}
}

// Dial connects, authenticates when token is non-empty, and starts the
// read and write pumps.
func Dial(ctx context.Context, url, token string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		log:     log,
		send:    make(chan BaseMessage, 64),
		pending: map[string]chan BaseMessage{},
		subs:    map[string]*subscription{},
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()

	if token != "" {
		if _, err := c.request(ctx, TypeAuth, AuthPayload{Token: token}); err != nil {
			c.Close()
			return nil, fmt.Errorf("ws: auth: %w", err)
		}
	}
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

// readPump pumps messages from the websocket connection. There is at most
// one reader on a connection; all reads happen from this goroutine.
func (c *Client) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket connection closed", "error", err)
			} else {
				c.log.Info("websocket connection closed")
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("unmarshalling message", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg BaseMessage) {
	switch msg.Type {
	case TypeSnapshot:
		var payload SnapshotPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.log.Warn("unmarshalling snapshot payload", "error", err)
			return
		}
		c.dispatchSnapshot(payload)
	case TypeEvent:
		var payload EventPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.log.Warn("unmarshalling event payload", "error", err)
			return
		}
		c.dispatchEvent(payload)
	default:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("dropping unmatched message", "type", msg.Type, "id", msg.ID)
			return
		}
		ch <- msg
	}
}

// writePump serializes all writes to the connection and keeps the peer
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// request sends a message and waits for the reply carrying the same id.
func (c *Client) request(ctx context.Context, msgType string, payload interface{}) (BaseMessage, error) {
	id := uuid.NewString()
	ch := make(chan BaseMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return BaseMessage{}, errClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := BaseMessage{ID: id, Type: msgType}
	if payload != nil {
		msg.Payload = mustMarshal(payload)
	}

	select {
	case c.send <- msg:
	case <-c.done:
		return BaseMessage{}, errClosed
	case <-ctx.Done():
		c.abandon(id)
		return BaseMessage{}, ctx.Err()
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return BaseMessage{}, errClosed
		}
		if reply.Type == TypeError {
			var ep ErrorPayload
			if err := json.Unmarshal(reply.Payload, &ep); err != nil {
				return BaseMessage{}, fmt.Errorf("ws: request %s failed", msgType)
			}
			return BaseMessage{}, fmt.Errorf("ws: %s: %s", ep.Code, ep.Message)
		}
		return reply, nil
	case <-c.done:
		return BaseMessage{}, errClosed
	case <-ctx.Done():
		c.abandon(id)
		return BaseMessage{}, ctx.Err()
	}
}

func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func toSnapshot(doc DocPayload) remote.Snapshot {
	return remote.Snapshot{
		Path:   doc.Path,
		ID:     doc.ID,
		Data:   model.Document(doc.Data),
		Exists: doc.Exists,
	}
}

// Get fetches a single document.
func (c *Client) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	reply, err := c.request(ctx, TypeGet, RefPayload{Path: path, ID: id})
	if err != nil {
		return remote.Snapshot{}, err
	}
	var payload DocPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		return remote.Snapshot{}, fmt.Errorf("ws: get ack: %w", err)
	}
	return toSnapshot(payload), nil
}

// GetQuery runs a one-shot query.
func (c *Client) GetQuery(ctx context.Context, q model.Query) (remote.QuerySnapshot, error) {
	reply, err := c.request(ctx, TypeQuery, QueryPayload{Query: q})
	if err != nil {
		return remote.QuerySnapshot{}, err
	}
	var payload QueryAckPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		return remote.QuerySnapshot{}, fmt.Errorf("ws: query ack: %w", err)
	}
	snap := remote.QuerySnapshot{FromCache: payload.FromCache}
	for _, doc := range payload.Documents {
		snap.Docs = append(snap.Docs, toSnapshot(doc))
	}
	return snap, nil
}

func toWirePayload(w remote.Write) WritePayload {
	return WritePayload{
		Path:        w.Path,
		ID:          w.ID,
		Fields:      map[string]interface{}(w.Fields),
		FieldUpdate: w.FieldUpdate,
	}
}

// Set writes one document.
func (c *Client) Set(ctx context.Context, w remote.Write) error {
	_, err := c.request(ctx, TypeWrite, toWirePayload(w))
	return err
}

// Delete removes one document.
func (c *Client) Delete(ctx context.Context, path, id string) error {
	_, err := c.request(ctx, TypeDelete, RefPayload{Path: path, ID: id})
	return err
}

// Batch starts a write batch committed atomically on the server.
func (c *Client) Batch() remote.BatchWriter {
	return &batch{client: c}
}

type batch struct {
	client  *Client
	writes  []WritePayload
	deletes []RefPayload
}

func (b *batch) Set(w remote.Write) {
	b.writes = append(b.writes, toWirePayload(w))
}

func (b *batch) Delete(path, id string) {
	b.deletes = append(b.deletes, RefPayload{Path: path, ID: id})
}

func (b *batch) Commit(ctx context.Context) error {
	_, err := b.client.request(ctx, TypeCommit, CommitPayload{
		Writes:  b.writes,
		Deletes: b.deletes,
	})
	return err
}

type transaction struct {
	client *Client
	txn    string

	writes  []WritePayload
	deletes []RefPayload
}

func (tx *transaction) Get(ctx context.Context, path, id string) (remote.Snapshot, error) {
	reply, err := tx.client.request(ctx, TypeTxnGet, TxnGetPayload{Txn: tx.txn, Path: path, ID: id})
	if err != nil {
		return remote.Snapshot{}, err
	}
	var payload DocPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		return remote.Snapshot{}, fmt.Errorf("ws: txn get ack: %w", err)
	}
	return toSnapshot(payload), nil
}

func (tx *transaction) Set(w remote.Write) {
	tx.writes = append(tx.writes, toWirePayload(w))
}

func (tx *transaction) Delete(path, id string) {
	tx.deletes = append(tx.deletes, RefPayload{Path: path, ID: id})
}

// RunTransaction begins a server-side transaction, runs the body with
// transactional reads, and commits the accumulated writes. A body error
// aborts the transaction on the server.
func (c *Client) RunTransaction(ctx context.Context, body func(tx remote.Transaction) error) error {
	reply, err := c.request(ctx, TypeTxnBegin, nil)
	if err != nil {
		return err
	}
	var begin TxnPayload
	if err := json.Unmarshal(reply.Payload, &begin); err != nil {
		return fmt.Errorf("ws: txn begin ack: %w", err)
	}

	tx := &transaction{client: c, txn: begin.Txn}
	if err := body(tx); err != nil {
		c.sendAbort(begin.Txn)
		return err
	}

	_, err = c.request(ctx, TypeTxnCommit, TxnCommitPayload{
		Txn:     begin.Txn,
		Writes:  tx.writes,
		Deletes: tx.deletes,
	})
	return err
}

func (c *Client) sendAbort(txn string) {
	select {
	case c.send <- BaseMessage{ID: uuid.NewString(), Type: TypeTxnAbort, Payload: mustMarshal(TxnPayload{Txn: txn})}:
	case <-c.done:
	}
}

// Listen subscribes to a query. The server acks, then pushes an initial
// snapshot followed by per-document events until unsubscribed.
func (c *Client) Listen(ctx context.Context, q model.Query, fn remote.Listener) (func(), error) {
	id := uuid.NewString()
	ch := make(chan BaseMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	c.pending[id] = ch
	c.subs[id] = &subscription{query: q, fn: fn}
	c.mu.Unlock()

	msg := BaseMessage{ID: id, Type: TypeSubscribe, Payload: mustMarshal(SubscribePayload{
		Query:        q,
		IncludeData:  true,
		SendSnapshot: true,
	})}

	fail := func(err error) (func(), error) {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case c.send <- msg:
	case <-c.done:
		return fail(errClosed)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return fail(errClosed)
		}
		if reply.Type != TypeSubscribeAck {
			return fail(fmt.Errorf("ws: subscribe rejected: %s", reply.Type))
		}
	case <-c.done:
		return fail(errClosed)
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	stop := func() {
		c.mu.Lock()
		delete(c.subs, id)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		unsub := BaseMessage{ID: uuid.NewString(), Type: TypeUnsubscribe, Payload: mustMarshal(UnsubscribePayload{ID: id})}
		select {
		case c.send <- unsub:
		case <-c.done:
		}
	}
	return stop, nil
}

func (c *Client) dispatchSnapshot(payload SnapshotPayload) {
	c.mu.Lock()
	sub, ok := c.subs[payload.SubID]
	c.mu.Unlock()
	if !ok {
		return
	}
	snap := remote.QuerySnapshot{FromCache: payload.FromCache}
	for _, doc := range payload.Documents {
		snap.Docs = append(snap.Docs, toSnapshot(doc))
	}
	sub.fn(snap)
}

func (c *Client) dispatchEvent(payload EventPayload) {
	c.mu.Lock()
	sub, ok := c.subs[payload.SubID]
	c.mu.Unlock()
	if !ok {
		return
	}

	var kind remote.ChangeKind
	switch payload.Delta.Type {
	case "added":
		kind = remote.ChangeAdded
	case "removed", "deleted":
		kind = remote.ChangeRemoved
	default:
		kind = remote.ChangeModified
	}
	sub.fn(remote.QuerySnapshot{Changes: []remote.DocChange{{
		Kind: kind,
		Doc: remote.Snapshot{
			Path:   payload.Delta.Path,
			ID:     payload.Delta.ID,
			Data:   model.Document(payload.Delta.Document),
			Exists: kind != remote.ChangeRemoved,
		},
		OldIndex: payload.Delta.OldIndex,
		NewIndex: payload.Delta.NewIndex,
	}}})
}
