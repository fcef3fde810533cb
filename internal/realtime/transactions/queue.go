package transactions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/realtime"
)

// RehydrateFunc rebuilds a Transaction's callbacks from a journaled record
// after a restart. Returning nil re-creates the transaction without
// callbacks; its RPC still runs to completion.
type RehydrateFunc func(rec Record) *Transaction

// QueueConfig configures a Queue.
type QueueConfig struct {
	// Journal persists transactions across restarts. Nil keeps the queue
	// memory-only.
	Journal Log
	// Rehydrate restores callbacks for journaled transactions.
	Rehydrate RehydrateFunc
	Logger    *zerolog.Logger
}

// Queue is the FIFO transaction queue. Transactions are dispatched strictly
// in queue order, one at a time; the inflight RPC must complete or be
// requeued before the next one is sent.
type Queue struct {
	journal   Log
	rehydrate RehydrateFunc
	log       zerolog.Logger

	now   func() time.Time
	newID func() uuid.UUID

	mu           sync.Mutex
	queued       []*Wrapper
	inflight     map[uuid.UUID]*Wrapper
	sent         map[uuid.UUID]*Wrapper
	txByRpc      map[uint64]uuid.UUID
	rpcByTx      map[uuid.UUID]uint64
	bufferedAcks map[uint64]int
	round        int

	notify chan struct{}
}

// NewQueue builds a queue and reloads any journaled pending transactions in
// date order. Reloaded transactions do not run Optimistic again.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	q := &Queue{
		journal:      cfg.Journal,
		rehydrate:    cfg.Rehydrate,
		log:          logger.With().Str("component", "transaction_queue").Logger(),
		now:          time.Now,
		newID:        uuid.New,
		inflight:     make(map[uuid.UUID]*Wrapper),
		sent:         make(map[uuid.UUID]*Wrapper),
		txByRpc:      make(map[uint64]uuid.UUID),
		rpcByTx:      make(map[uuid.UUID]uint64),
		bufferedAcks: make(map[uint64]int),
		notify:       make(chan struct{}, 1),
	}

	if q.journal != nil {
		records, err := q.journal.Pending(context.Background())
		if err != nil {
			return nil, fmt.Errorf("reload transaction journal: %w", err)
		}
		for _, rec := range records {
			tx := (*Transaction)(nil)
			if q.rehydrate != nil {
				tx = q.rehydrate(rec)
			}
			if tx == nil {
				tx = &Transaction{
					Method:   rec.Method,
					Kind:     rec.Kind,
					Mutation: MutationConfig{RetryAfterAck: rec.RetryAfterAck},
					Input:    rec.Input,
				}
			}
			q.queued = append(q.queued, &Wrapper{
				ID:    rec.ID,
				Date:  rec.Date,
				Tx:    tx,
				state: StateQueued,
				done:  make(chan struct{}),
			})
		}
		if len(records) > 0 {
			q.log.Info().Int("count", len(records)).Msg("reloaded pending transactions")
			q.signal()
		}
	}
	return q, nil
}

// Notify signals when the queue may have dispatchable work.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Queue appends a transaction, runs its optimistic prediction, and returns
// its wrapper. The journal write happens before the transaction becomes
// dispatchable.
func (q *Queue) Queue(tx *Transaction) (*Wrapper, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction is required")
	}
	w := &Wrapper{
		ID:    q.newID(),
		Date:  q.now(),
		Tx:    tx,
		state: StateQueued,
		done:  make(chan struct{}),
	}

	if tx.Optimistic != nil {
		tx.Optimistic()
	}

	if q.journal != nil {
		rec := Record{
			ID:            w.ID,
			Date:          w.Date,
			Method:        tx.Method,
			Input:         tx.Input,
			Kind:          tx.Kind,
			RetryAfterAck: tx.Mutation.RetryAfterAck,
		}
		if err := q.journal.Append(context.Background(), rec); err != nil {
			return nil, fmt.Errorf("journal transaction: %w", err)
		}
	}

	q.mu.Lock()
	q.queued = append(q.queued, w)
	q.mu.Unlock()
	q.signal()
	return w, nil
}

// Send queues tx and awaits its completion.
func (q *Queue) Send(ctx context.Context, tx *Transaction) ([]byte, error) {
	w, err := q.Queue(tx)
	if err != nil {
		return nil, err
	}
	return w.Await(ctx)
}

// Busy reports whether an earlier transaction still occupies the pipeline.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight) > 0 || len(q.sent) > 0
}

// Dequeue pops the queue head into inflight. Returns nil when empty.
func (q *Queue) Dequeue() *Wrapper {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return nil
	}
	w := q.queued[0]
	q.queued = q.queued[1:]
	w.state = StateInflight
	q.inflight[w.ID] = w
	return w
}

// Running registers the RPC message id assigned to an inflight transaction.
// An ack that raced ahead of this call is applied now; acks buffered longer
// than one registration round are discarded.
func (q *Queue) Running(txID uuid.UUID, rpcMsgID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.round++
	for nonce, round := range q.bufferedAcks {
		if round < q.round-1 {
			delete(q.bufferedAcks, nonce)
		}
	}

	q.txByRpc[rpcMsgID] = txID
	q.rpcByTx[txID] = rpcMsgID

	if _, ok := q.bufferedAcks[rpcMsgID]; ok {
		delete(q.bufferedAcks, rpcMsgID)
		q.markSentLocked(txID)
	}
}

// Ack moves the transaction owning rpcMsgID from inflight to sent. Unknown
// ids are buffered for at most one registration round.
func (q *Queue) Ack(rpcMsgID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	txID, ok := q.txByRpc[rpcMsgID]
	if !ok {
		q.bufferedAcks[rpcMsgID] = q.round
		return
	}
	q.markSentLocked(txID)
}

func (q *Queue) markSentLocked(txID uuid.UUID) {
	w, ok := q.inflight[txID]
	if !ok {
		return
	}
	delete(q.inflight, txID)
	w.state = StateSent
	q.sent[txID] = w
}

// Complete resolves the transaction owning rpcMsgID with the server result.
func (q *Queue) Complete(rpcMsgID uint64, result []byte) {
	w := q.takeByRpc(rpcMsgID)
	if w == nil {
		return
	}

	var applyErr error
	if w.Tx.Apply != nil {
		applyErr = w.Tx.Apply(result)
	}
	q.forget(w.ID)
	q.resolve(w, StateDone, result, applyErr)
}

// Fail terminally fails the transaction owning rpcMsgID.
func (q *Queue) Fail(rpcMsgID uint64, failure error) {
	w := q.takeByRpc(rpcMsgID)
	if w == nil {
		return
	}
	q.failWrapper(w, failure)
}

func (q *Queue) failWrapper(w *Wrapper, failure error) {
	if w.Tx.Failed != nil {
		w.Tx.Failed(failure)
	}
	q.forget(w.ID)
	q.resolve(w, StateFailed, nil, failure)
}

// takeByRpc removes the transaction owning rpcMsgID from every table.
func (q *Queue) takeByRpc(rpcMsgID uint64) *Wrapper {
	q.mu.Lock()
	defer q.mu.Unlock()

	txID, ok := q.txByRpc[rpcMsgID]
	if !ok {
		return nil
	}
	delete(q.txByRpc, rpcMsgID)
	delete(q.rpcByTx, txID)

	if w, ok := q.inflight[txID]; ok {
		delete(q.inflight, txID)
		return w
	}
	if w, ok := q.sent[txID]; ok {
		delete(q.sent, txID)
		return w
	}
	return nil
}

// Requeue moves one inflight transaction back to the queue head.
func (q *Queue) Requeue(txID uuid.UUID) {
	q.mu.Lock()
	w, ok := q.inflight[txID]
	if ok {
		delete(q.inflight, txID)
		q.clearMappingLocked(txID)
		w.state = StateQueued
		q.queued = append([]*Wrapper{w}, q.queued...)
	}
	q.mu.Unlock()
	if ok {
		q.signal()
	}
}

// RequeueAll restores dispatch order after a reconnect. Inflight
// transactions are requeued; sent ones are requeued only when their
// mutation allows redelivery, otherwise they fail. The failed set is
// returned so callers can surface the errors.
func (q *Queue) RequeueAll() []*Wrapper {
	q.mu.Lock()
	var requeue []*Wrapper
	var dropped []*Wrapper
	for id, w := range q.sent {
		delete(q.sent, id)
		if w.Tx.Mutation.RetryAfterAck || w.Tx.Kind == KindQuery {
			requeue = append(requeue, w)
			continue
		}
		dropped = append(dropped, w)
	}
	for id, w := range q.inflight {
		delete(q.inflight, id)
		requeue = append(requeue, w)
	}
	// Older transactions dispatch first again.
	sortWrappersByDate(requeue)
	for i := len(requeue) - 1; i >= 0; i-- {
		w := requeue[i]
		w.state = StateQueued
		q.queued = append([]*Wrapper{w}, q.queued...)
	}
	q.txByRpc = make(map[uint64]uuid.UUID)
	q.rpcByTx = make(map[uuid.UUID]uint64)
	q.bufferedAcks = make(map[uint64]int)
	q.mu.Unlock()

	for _, w := range dropped {
		q.failWrapper(w, realtime.ErrAckedButNoResult)
	}
	q.signal()
	return dropped
}

// ConnectionLost clears the rpc id mappings without touching states; ids
// from the old connection can never match replies on the new one.
func (q *Queue) ConnectionLost() {
	q.mu.Lock()
	q.txByRpc = make(map[uint64]uuid.UUID)
	q.rpcByTx = make(map[uuid.UUID]uint64)
	q.bufferedAcks = make(map[uint64]int)
	q.mu.Unlock()
}

// ClearAll drops every transaction, failing their futures. Used on logout.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	var all []*Wrapper
	all = append(all, q.queued...)
	for _, w := range q.inflight {
		all = append(all, w)
	}
	for _, w := range q.sent {
		all = append(all, w)
	}
	q.queued = nil
	q.inflight = make(map[uuid.UUID]*Wrapper)
	q.sent = make(map[uuid.UUID]*Wrapper)
	q.txByRpc = make(map[uint64]uuid.UUID)
	q.rpcByTx = make(map[uuid.UUID]uint64)
	q.bufferedAcks = make(map[uint64]int)
	q.mu.Unlock()

	for _, w := range all {
		if w.Tx.Failed != nil {
			w.Tx.Failed(realtime.ErrCancelled)
		}
		q.resolveNoJournal(w, StateFailed, nil, realtime.ErrCancelled)
	}
	if q.journal != nil {
		if err := q.journal.Clear(context.Background()); err != nil {
			q.log.Error().Err(err).Msg("clear transaction journal")
		}
	}
}

func (q *Queue) clearMappingLocked(txID uuid.UUID) {
	if rpcID, ok := q.rpcByTx[txID]; ok {
		delete(q.rpcByTx, txID)
		delete(q.txByRpc, rpcID)
	}
}

// forget soft-deletes the journal row for a terminally resolved transaction.
func (q *Queue) forget(txID uuid.UUID) {
	if q.journal == nil {
		return
	}
	if err := q.journal.MarkDeleted(context.Background(), txID); err != nil {
		q.log.Error().Err(err).Str("tx_id", txID.String()).Msg("mark transaction deleted")
	}
}

func (q *Queue) resolve(w *Wrapper, state State, result []byte, err error) {
	q.resolveNoJournal(w, state, result, err)
	q.signal()
}

func (q *Queue) resolveNoJournal(w *Wrapper, state State, result []byte, err error) {
	q.mu.Lock()
	if w.state == StateDone || w.state == StateFailed {
		q.mu.Unlock()
		return
	}
	w.state = state
	w.result = result
	w.err = err
	q.mu.Unlock()
	close(w.done)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func sortWrappersByDate(ws []*Wrapper) {
	sort.Slice(ws, func(i, j int) bool { return ws[i].Date.Before(ws[j].Date) })
}
