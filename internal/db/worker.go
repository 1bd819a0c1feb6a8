package db

import (
	"context"
	"database/sql"
)

type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Writer serializes every mutating transaction through a single goroutine.
// The capture loop, the sync loop, and operator-triggered enrollment or
// deletion all funnel their writes here, so bindings and the event log can
// never interleave mid-transaction.
type Writer struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}
}

func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:   db,
		jobs: make(chan job, 64),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Writer) Close() {
	close(w.jobs)
	<-w.done
}

// Do runs fn inside one transaction on the writer goroutine and returns the
// commit result. If the caller's context expires while the job is queued or
// executing, Do returns early; the transaction still runs to completion and
// its result lands in the buffered channel, where it is discarded.
func (w *Writer) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)

	select {
	case w.jobs <- job{ctx: ctx, fn: fn, ch: ch}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)

	for j := range w.jobs {
		tx, err := w.db.BeginTx(j.ctx, nil)
		if err != nil {
			j.ch <- err
			continue
		}

		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			j.ch <- err
			continue
		}

		j.ch <- tx.Commit()
	}
}
