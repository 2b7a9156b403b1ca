// Package queue provides the durable pending-operation queue: per-entity
// coalescing, exponential backoff with jitter, and a dead-letter set.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/ids"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
	"github.com/kimhsiao/fitlog/backend/internal/models"
)

// Persister is the durable backing of the queue. *db.Store implements it.
type Persister interface {
	LoadOperations(ctx context.Context) ([]*models.PendingOperation, error)
	SaveOperation(ctx context.Context, op *models.PendingOperation) error
	DeleteOperation(ctx context.Context, id string) error
}

// Config tunes capacity and retry timing.
type Config struct {
	Capacity      int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JitterPercent uint64
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      10000,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    time.Hour,
		JitterPercent: 20,
	}
}

// Outcome is the single transition an attempted operation takes.
type Outcome string

const (
	// OutcomeRemoved: remote application confirmed, operation deleted.
	OutcomeRemoved Outcome = "removed"
	// OutcomeRequeued: transient failure, retried after backoff.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeDeadLettered: permanent failure, excluded from automatic retry.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeSuperseded: the payload was coalesced while in flight; the
	// newer revision stays queued.
	OutcomeSuperseded Outcome = "superseded"
)

// Stats is a point-in-time summary of the queue.
type Stats struct {
	Pending      int       `json:"pending"`
	Due          int       `json:"due"`
	InFlight     int       `json:"in_flight"`
	DeadLetters  int       `json:"dead_letters"`
	Oldest       time.Time `json:"oldest,omitempty"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
	Capacity     int       `json:"capacity"`
	PayloadBytes int64     `json:"payload_bytes"`
}

// Queue holds at most one live operation per entity key plus the dead
// letters. All mutations are persisted before they become visible.
type Queue struct {
	mu       sync.Mutex
	live     map[string]*models.PendingOperation
	dead     map[string]*models.PendingOperation
	inFlight mapset.Set[string]
	seq      int64

	store Persister
	cfg   Config
	now   func() time.Time
}

// New creates an empty queue backed by store.
func New(store Persister, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Queue{
		live:     make(map[string]*models.PendingOperation),
		dead:     make(map[string]*models.PendingOperation),
		inFlight: mapset.NewSet[string](),
		store:    store,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Load restores persisted operations. It replaces in-memory state.
func (q *Queue) Load(ctx context.Context) error {
	ops, err := q.store.LoadOperations(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.live = make(map[string]*models.PendingOperation)
	q.dead = make(map[string]*models.PendingOperation)
	q.seq = 0
	for _, op := range ops {
		if op.Dead {
			q.dead[op.Key()] = op
		} else {
			q.live[op.Key()] = op
		}
		if op.Seq > q.seq {
			q.seq = op.Seq
		}
	}

	logging.Info("[SyncQueue] Loaded pending operations", map[string]interface{}{
		"pending":      len(q.live),
		"dead_letters": len(q.dead),
	})
	return nil
}

// Enqueue records a local mutation. A second write to the same entity
// coalesces into the existing operation: the payload is replaced
// (last-write-wins) and attemptCount is preserved. A write to an entity with
// a dead-lettered operation replaces the dead letter.
func (q *Queue) Enqueue(ctx context.Context, ns models.Namespace, et models.EntityType, id string,
	kind models.OperationKind, payload json.RawMessage, payloadVersion int64) (*models.PendingOperation, error) {
	if ns.UserID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("namespace %q cannot be synced", ns))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixNano()
	key := models.RecordKey(ns, et, id)

	if cur, ok := q.live[key]; ok {
		if cur.PayloadVersion == payloadVersion && cur.Kind == kind && string(cur.Payload) == string(payload) {
			return cur.Clone(), nil
		}
		next := cur.Clone()
		next.Kind = kind
		next.Payload = append(json.RawMessage(nil), payload...)
		next.PayloadVersion = payloadVersion
		next.UpdatedAt = now
		next.Revision++
		if err := q.store.SaveOperation(ctx, next); err != nil {
			return nil, err
		}
		q.live[key] = next

		logging.Debug("[SyncQueue] Coalesced operation", map[string]interface{}{
			"op_id": next.ID, "key": key, "attempt": next.AttemptCount, "payload_version": payloadVersion,
		})
		return next.Clone(), nil
	}

	if len(q.live) >= q.cfg.Capacity {
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.cfg.Capacity))
	}

	if dead, ok := q.dead[key]; ok {
		if err := q.store.DeleteOperation(ctx, dead.ID); err != nil {
			return nil, err
		}
		delete(q.dead, key)
		logging.Info("[SyncQueue] Dead letter superseded by new write", map[string]interface{}{
			"op_id": dead.ID, "key": key,
		})
	}

	op := &models.PendingOperation{
		ID:             ids.NewOperationID(),
		Namespace:      ns,
		EntityType:     et,
		EntityID:       id,
		Kind:           kind,
		Payload:        append(json.RawMessage(nil), payload...),
		PayloadVersion: payloadVersion,
		Seq:            q.seq + 1,
		CreatedAt:      now,
		UpdatedAt:      now,
		NextAttemptAt:  now,
	}
	if err := q.store.SaveOperation(ctx, op); err != nil {
		return nil, err
	}
	q.seq = op.Seq
	q.live[key] = op

	logging.Debug("[SyncQueue] Enqueued operation", map[string]interface{}{
		"op_id": op.ID, "key": key, "kind": string(kind),
	})
	return op.Clone(), nil
}

// Due returns clones of the live operations ready at now and not in flight,
// in enqueue order.
func (q *Queue) Due(now time.Time) []*models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := now.UnixNano()
	var out []*models.PendingOperation
	for key, op := range q.live {
		if op.NextAttemptAt <= ts && !q.inFlight.Contains(key) {
			out = append(out, op.Clone())
		}
	}
	sortBySeq(out)
	return out
}

// Pending returns clones of every live operation in enqueue order.
func (q *Queue) Pending() []*models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedClones(q.live)
}

// Get returns a clone of the live operation for key, if any.
func (q *Queue) Get(key string) (*models.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.live[key]
	if !ok {
		return nil, false
	}
	return op.Clone(), true
}

// Claim marks an entity key as in flight. It returns false when another
// attempt already holds the key.
func (q *Queue) Claim(key string) bool {
	return q.inFlight.Add(key)
}

// Release clears the in-flight mark of key.
func (q *Queue) Release(key string) {
	q.inFlight.Remove(key)
}

// Complete removes the attempted operation after a confirmed remote
// success. If the payload was coalesced during the attempt the newer
// revision is kept and OutcomeSuperseded is returned.
func (q *Queue) Complete(ctx context.Context, attempted *models.PendingOperation) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := attempted.Key()
	cur, ok := q.live[key]
	if !ok || cur.ID != attempted.ID {
		return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not queued", attempted.ID))
	}
	if cur.Revision != attempted.Revision {
		return OutcomeSuperseded, nil
	}

	if err := q.store.DeleteOperation(ctx, cur.ID); err != nil {
		return "", err
	}
	delete(q.live, key)
	return OutcomeRemoved, nil
}

// Fail records a failed attempt. Permanent errors move the operation to the
// dead-letter set; everything else is requeued with backoff. An operation
// whose payload was coalesced during the attempt is never dead-lettered for
// the superseded payload.
func (q *Queue) Fail(ctx context.Context, attempted *models.PendingOperation, cause error) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := attempted.Key()
	cur, ok := q.live[key]
	if !ok || cur.ID != attempted.ID {
		return "", apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not queued", attempted.ID))
	}

	now := q.now()
	next := cur.Clone()
	next.AttemptCount++
	next.UpdatedAt = now.UnixNano()
	if cause != nil {
		next.LastError = cause.Error()
	}

	superseded := cur.Revision != attempted.Revision
	switch {
	case apperrors.IsPermanent(cause) && !superseded:
		next.Dead = true
		if err := q.store.SaveOperation(ctx, next); err != nil {
			return "", err
		}
		delete(q.live, key)
		q.dead[key] = next
		logging.Warn("[SyncQueue] Operation dead-lettered", map[string]interface{}{
			"op_id": next.ID, "key": key, "attempt": next.AttemptCount, "error": next.LastError,
		})
		return OutcomeDeadLettered, nil

	case superseded:
		next.NextAttemptAt = now.UnixNano()
		if err := q.store.SaveOperation(ctx, next); err != nil {
			return "", err
		}
		q.live[key] = next
		return OutcomeSuperseded, nil

	default:
		delay := q.backoff(next.AttemptCount)
		next.NextAttemptAt = now.Add(delay).UnixNano()
		if err := q.store.SaveOperation(ctx, next); err != nil {
			return "", err
		}
		q.live[key] = next
		logging.Info("[SyncQueue] Operation requeued with backoff", map[string]interface{}{
			"op_id": next.ID, "key": key, "attempt": next.AttemptCount, "backoff": delay.String(),
		})
		return OutcomeRequeued, nil
	}
}

// backoff returns the delay before attempt n+1: exponential from the base,
// jittered, capped at MaxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt > 62 {
		attempt = 62
	}
	b := retry.NewExponential(q.cfg.BaseBackoff)
	if q.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(q.cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(q.cfg.MaxBackoff, b)

	delay := q.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}

// DeadLetters returns clones of the dead-lettered operations.
func (q *Queue) DeadLetters() []*models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sortedClones(q.dead)
}

// RetryDeadLetters moves every dead letter back into the live queue with a
// fresh attempt budget. It returns how many were requeued.
func (q *Queue) RetryDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixNano()
	n := 0
	for key, op := range q.dead {
		next := op.Clone()
		next.Dead = false
		next.AttemptCount = 0
		next.LastError = ""
		next.NextAttemptAt = now
		next.UpdatedAt = now
		if err := q.store.SaveOperation(ctx, next); err != nil {
			return n, err
		}
		delete(q.dead, key)
		q.live[key] = next
		n++
	}
	if n > 0 {
		logging.Info("[SyncQueue] Dead letters requeued", map[string]interface{}{"count": n})
	}
	return n, nil
}

// DiscardDeadLetter drops one dead letter by operation id.
func (q *Queue) DiscardDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for key, op := range q.dead {
		if op.ID != id {
			continue
		}
		if err := q.store.DeleteOperation(ctx, id); err != nil {
			return err
		}
		delete(q.dead, key)
		return nil
	}
	return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("dead letter %s not found", id))
}

// Len returns the number of live operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// Stats summarises the queue at now.
func (q *Queue) Stats(now time.Time) Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Pending:     len(q.live),
		InFlight:    q.inFlight.Cardinality(),
		DeadLetters: len(q.dead),
		Capacity:    q.cfg.Capacity,
	}
	var oldest, next int64
	for _, op := range q.live {
		s.PayloadBytes += int64(len(op.Payload))
		if op.NextAttemptAt <= now.UnixNano() {
			s.Due++
		}
		if oldest == 0 || op.CreatedAt < oldest {
			oldest = op.CreatedAt
		}
		if next == 0 || op.NextAttemptAt < next {
			next = op.NextAttemptAt
		}
	}
	if oldest != 0 {
		s.Oldest = time.Unix(0, oldest)
		s.NextAttempt = time.Unix(0, next)
	}
	return s
}

func sortedClones(m map[string]*models.PendingOperation) []*models.PendingOperation {
	out := make([]*models.PendingOperation, 0, len(m))
	for _, op := range m {
		out = append(out, op.Clone())
	}
	sortBySeq(out)
	return out
}

func sortBySeq(ops []*models.PendingOperation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Seq != ops[j].Seq {
			return ops[i].Seq < ops[j].Seq
		}
		return ops[i].ID < ops[j].ID
	})
}
