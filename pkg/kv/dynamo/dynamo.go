// Package dynamo implements the kv.Store contract against DynamoDB. Items
// live in a single table keyed by a string attribute K with the value in a
// binary attribute V; requests are submitted through the prioritized request
// queue so that reads outrank writes and writes outrank deletion traffic.
package dynamo

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fusionfoto/kivaloo/pkg/kv"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/queue"
)

// Request priorities. Deletion work yields to foreground traffic.
const (
	PrioGet    = 0
	PrioPut    = 1
	PrioDelete = 2
)

// Client is a DynamoDB-backed kv.Store.
type Client struct {
	q       *queue.Queue
	table   string
	getrlen int64
	logger  zerolog.Logger
}

// New creates a client storing items in table. maxValueLen is the largest
// value the client expects to read back (the block size, for this server);
// it bounds how much of a GetItem response is consumed.
func New(q *queue.Queue, table string, maxValueLen int) *Client {
	// Base64 inflates the value by 4/3; leave room for attribute framing.
	getrlen := int64(maxValueLen)*4/3 + 4096

	return &Client{
		q:       q,
		table:   table,
		getrlen: getrlen,
		logger:  log.WithComponent("kv"),
	}
}

type attrS struct {
	S string `json:"S"`
}

// attrB holds a binary attribute value; encoding/json base64s []byte.
type attrB struct {
	B []byte `json:"B"`
}

type keyBody struct {
	TableName      string           `json:"TableName"`
	Key            map[string]attrS `json:"Key"`
	ConsistentRead bool             `json:"ConsistentRead,omitempty"`
}

type putBody struct {
	TableName string         `json:"TableName"`
	Item      map[string]any `json:"Item"`
}

type getResult struct {
	Item *struct {
		V attrB `json:"V"`
	} `json:"Item"`
}

// Get fetches the value stored under key. The read is strongly consistent.
// cb receives kv.NotFound when the item does not exist.
func (c *Client) Get(key string, cb kv.GetCallback) error {
	body, err := json.Marshal(keyBody{
		TableName:      c.table,
		Key:            map[string]attrS{"K": {S: key}},
		ConsistentRead: true,
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshalling GetItem %s: %w", key, err)
	}

	c.q.Enqueue(PrioGet, "GetItem", body, c.getrlen, key, func(resp *queue.Response) {
		if resp.StatusCode != 200 {
			c.logger.Error().Int("status", resp.StatusCode).Str("key", key).
				Msg("GetItem failed")
			cb(kv.Err, nil)
			return
		}
		var result getResult
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("Cannot parse GetItem response")
			cb(kv.Err, nil)
			return
		}
		if result.Item == nil {
			cb(kv.NotFound, nil)
			return
		}
		cb(kv.OK, result.Item.V.B)
	})
	return nil
}

// Put stores value under key.
func (c *Client) Put(key string, value []byte, cb kv.DoneCallback) error {
	body, err := json.Marshal(putBody{
		TableName: c.table,
		Item: map[string]any{
			"K": attrS{S: key},
			"V": attrB{B: value},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshalling PutItem %s: %w", key, err)
	}

	c.q.Enqueue(PrioPut, "PutItem", body, 4096, key, func(resp *queue.Response) {
		if resp.StatusCode != 200 {
			c.logger.Error().Int("status", resp.StatusCode).Str("key", key).
				Msg("PutItem failed")
			cb(kv.Err)
			return
		}
		cb(kv.OK)
	})
	return nil
}

// Delete removes key. Deleting an absent key succeeds.
func (c *Client) Delete(key string, cb kv.DoneCallback) error {
	body, err := json.Marshal(keyBody{
		TableName: c.table,
		Key:       map[string]attrS{"K": {S: key}},
	})
	if err != nil {
		return fmt.Errorf("dynamo: marshalling DeleteItem %s: %w", key, err)
	}

	c.q.Enqueue(PrioDelete, "DeleteItem", body, 4096, key, func(resp *queue.Response) {
		if resp.StatusCode != 200 {
			c.logger.Error().Int("status", resp.StatusCode).Str("key", key).
				Msg("DeleteItem failed")
			cb(kv.Err)
			return
		}
		cb(kv.OK)
	})
	return nil
}

// Close flushes the underlying request queue and wipes the queue's copy of
// the secret key (see queue.Free).
func (c *Client) Close() error {
	c.q.Free()
	return nil
}
