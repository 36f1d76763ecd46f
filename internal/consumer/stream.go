// Package consumer applies provisioning events to profile rows with
// at-least-once delivery semantics: idempotent upserts, bounded retry,
// and dead-letter archival for messages that can never apply.
package consumer

import (
	"context"
	"database/sql"
	"errors"
)

// Message is one provisioning event as fetched from a partition.
type Message struct {
	Partition int
	Offset    int64
	Key       string
	Value     []byte
}

// ErrEndOfQueue signals that a partition currently has no message past
// the committed offset.
var ErrEndOfQueue = errors.New("end of queue")

// Stream is the narrow broker contract the consumer runs against.
// Implementations must deliver each partition's messages in offset order
// and may redeliver anything not yet committed.
type Stream interface {
	Partitions(ctx context.Context) ([]int, error)
	// Fetch returns the next uncommitted message of a partition, or
	// ErrEndOfQueue when it is drained.
	Fetch(ctx context.Context, partition int) (Message, error)
	// Commit marks offset (and everything before it) as consumed for a
	// partition.
	Commit(ctx context.Context, partition int, offset int64) error
}

// QueueStream is a Stream over the workspace database. The provisioning
// feed lands in provisioning_queue; committed positions live per consumer
// group in consumer_offsets.
type QueueStream struct {
	DB      *sql.DB
	GroupID string
}

func NewQueueStream(db *sql.DB, groupID string) *QueueStream {
	return &QueueStream{DB: db, GroupID: groupID}
}

func (q *QueueStream) Partitions(ctx context.Context) ([]int, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT DISTINCT partition_id FROM provisioning_queue ORDER BY partition_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var parts []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (q *QueueStream) Fetch(ctx context.Context, partition int) (Message, error) {
	committed, err := q.committed(ctx, partition)
	if err != nil {
		return Message{}, err
	}
	var m Message
	err = q.DB.QueryRowContext(ctx,
		`SELECT partition_id, msg_offset, msg_key, payload_json FROM provisioning_queue
		 WHERE partition_id=? AND msg_offset>? ORDER BY msg_offset LIMIT 1`,
		partition, committed).
		Scan(&m.Partition, &m.Offset, &m.Key, &m.Value)
	if err == sql.ErrNoRows {
		return Message{}, ErrEndOfQueue
	}
	return m, err
}

func (q *QueueStream) Commit(ctx context.Context, partition int, offset int64) error {
	_, err := q.DB.ExecContext(ctx,
		`INSERT INTO consumer_offsets(group_id,partition_id,committed) VALUES (?,?,?)
		 ON CONFLICT(group_id,partition_id) DO UPDATE SET committed=excluded.committed
		 WHERE excluded.committed>consumer_offsets.committed`,
		q.GroupID, partition, offset)
	return err
}

// Enqueue appends a message to a partition, assigning the next offset.
// Used by tests and the CLI to feed the queue.
func (q *QueueStream) Enqueue(ctx context.Context, partition int, key string, payload []byte) (int64, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(msg_offset),-1)+1 FROM provisioning_queue WHERE partition_id=?`, partition).
		Scan(&next); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO provisioning_queue(partition_id,msg_offset,msg_key,payload_json) VALUES (?,?,?,?)`,
		partition, next, key, string(payload)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (q *QueueStream) committed(ctx context.Context, partition int) (int64, error) {
	var committed int64 = -1
	err := q.DB.QueryRowContext(ctx,
		`SELECT committed FROM consumer_offsets WHERE group_id=? AND partition_id=?`,
		q.GroupID, partition).Scan(&committed)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	return committed, err
}
