// Package realtime implements the realtime listener of §4.K: a polling
// connection to a streaming killmail feed, with reconnect backoff, an
// optional entity filter, dedup against the database, and fetch-job
// fan-out.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// State is the listener's connection state (§4.K state machine).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Receiving
	PingPong
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	case PingPong:
		return "pingpong"
	default:
		return "unknown"
	}
}

const (
	reconnectBackoffBase = 5 * time.Second
	maxReconnectAttempts = 10
)

// FilterSet is the in-memory "followed" character/corp/alliance set (§4.K
// step 1). An empty set passes everything through.
type FilterSet struct {
	mu          sync.RWMutex
	characters  map[int64]struct{}
	corporations map[int64]struct{}
	alliances   map[int64]struct{}
}

func NewFilterSet(characters, corporations, alliances []int64) *FilterSet {
	fs := &FilterSet{
		characters:   toSet(characters),
		corporations: toSet(corporations),
		alliances:    toSet(alliances),
	}
	return fs
}

func toSet(ids []int64) map[int64]struct{} {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func (fs *FilterSet) empty() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.characters) == 0 && len(fs.corporations) == 0 && len(fs.alliances) == 0
}

// Matches reports whether the killmail's victim or any attacker intersects
// the filter set (§4.K step 1). An empty set always matches.
func (fs *FilterSet) Matches(victimRefs, attackerRefs []EntityRef) bool {
	if fs.empty() {
		return true
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	all := append(append([]EntityRef{}, victimRefs...), attackerRefs...)
	for _, ref := range all {
		switch ref.Kind {
		case "character":
			if _, ok := fs.characters[ref.ID]; ok {
				return true
			}
		case "corporation":
			if _, ok := fs.corporations[ref.ID]; ok {
				return true
			}
		case "alliance":
			if _, ok := fs.alliances[ref.ID]; ok {
				return true
			}
		}
	}
	return false
}

// EntityRef names one (id, kind) pair, used to evaluate the filter set.
type EntityRef struct {
	ID   int64
	Kind string
}

// envelope is the minimal shape read off the streaming feed: enough to
// dedup, filter, and enqueue a fetch job without decoding the full body.
type envelope struct {
	UpstreamID int64      `json:"killmail_id"`
	Hash       string     `json:"killmail_hash"`
	Victim     refEnvelope `json:"victim"`
	Attackers  []refEnvelope `json:"attackers"`
}

type refEnvelope struct {
	CharacterID   *int64 `json:"character_id"`
	CorporationID *int64 `json:"corporation_id"`
	AllianceID    *int64 `json:"alliance_id"`
}

func (e envelope) victimRefs() []EntityRef {
	return refsOf(e.Victim)
}

func (e envelope) attackerRefs() []EntityRef {
	var refs []EntityRef
	for _, a := range e.Attackers {
		refs = append(refs, refsOf(a)...)
	}
	return refs
}

func refsOf(r refEnvelope) []EntityRef {
	var refs []EntityRef
	if r.CharacterID != nil {
		refs = append(refs, EntityRef{ID: *r.CharacterID, Kind: "character"})
	}
	if r.CorporationID != nil {
		refs = append(refs, EntityRef{ID: *r.CorporationID, Kind: "corporation"})
	}
	if r.AllianceID != nil {
		refs = append(refs, EntityRef{ID: *r.AllianceID, Kind: "alliance"})
	}
	return refs
}

// Metrics tracks cumulative listener counters, printed on graceful stop
// (§4.K "prints cumulative counters").
type Metrics struct {
	Received  atomic.Int64
	Filtered  atomic.Int64
	Duplicate atomic.Int64
	Enqueued  atomic.Int64
	Errors    atomic.Int64
}

// Listener polls a streaming endpoint for killmail envelopes (§4.K).
type Listener struct {
	httpClient *http.Client
	db         *database.Postgres
	queue      *jobqueue.Queue
	filter     *FilterSet
	endpoint   string
	consumerID string

	state   atomic.Int32
	metrics Metrics
}

func NewListener(db *database.Postgres, queue *jobqueue.Queue, filter *FilterSet, endpoint, consumerID string) *Listener {
	l := &Listener{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		db:         db,
		queue:      queue,
		filter:     filter,
		endpoint:   endpoint,
		consumerID: consumerID,
	}
	l.state.Store(int32(Disconnected))
	return l
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run drives the state machine until ctx is cancelled, reconnecting with
// exponential backoff on failure up to maxReconnectAttempts, then giving up
// (§4.K "reconnect with exponential backoff ... up to N attempts").
func (l *Listener) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		default:
		}

		l.setState(Connecting)
		if err := l.connectAndPoll(ctx); err != nil {
			attempt++
			slog.ErrorContext(ctx, "realtime listener disconnected", "error", err, "attempt", attempt)
			if attempt >= maxReconnectAttempts {
				slog.ErrorContext(ctx, "realtime listener giving up after max reconnect attempts")
				l.setState(Disconnected)
				return
			}
			backoff := reconnectBackoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				l.shutdown()
				return
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
	}
}

func (l *Listener) shutdown() {
	l.setState(Disconnected)
	slog.Info("realtime listener stopped",
		"received", l.metrics.Received.Load(),
		"filtered", l.metrics.Filtered.Load(),
		"duplicate", l.metrics.Duplicate.Load(),
		"enqueued", l.metrics.Enqueued.Load(),
		"errors", l.metrics.Errors.Load(),
	)
	l.saveState(context.Background())
}

// connectAndPoll represents Connected → Subscribed → Receiving. Each
// iteration is one poll; it returns an error to trigger the reconnect
// backoff in Run.
func (l *Listener) connectAndPoll(ctx context.Context) error {
	l.setState(Connected)
	l.setState(Subscribed)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		l.setState(Receiving)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.endpoint, nil)
		if err != nil {
			return fmt.Errorf("build poll request: %w", err)
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("poll request: %w", err)
		}

		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		var env envelope
		decodeErr := json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if decodeErr != nil {
			l.metrics.Errors.Add(1)
			continue
		}

		l.handleEnvelope(ctx, env)
	}
}

// handleEnvelope implements §4.K's three inbound-message steps.
func (l *Listener) handleEnvelope(ctx context.Context, env envelope) {
	l.metrics.Received.Add(1)

	if !l.filter.Matches(env.victimRefs(), env.attackerRefs()) {
		l.metrics.Filtered.Add(1)
		return
	}

	var existing int64
	err := l.db.Pool.QueryRow(ctx, `SELECT id FROM killmails WHERE upstream_id = $1`, env.UpstreamID).Scan(&existing)
	if err == nil {
		l.metrics.Duplicate.Add(1)
		l.updateConsumerState(ctx, env.UpstreamID, "duplicate")
		return
	}
	if err != pgx.ErrNoRows {
		l.metrics.Errors.Add(1)
		slog.ErrorContext(ctx, "dedup check failed", "upstream_id", env.UpstreamID, "error", err)
		return
	}

	if _, err := l.queue.Dispatch(ctx, "killmail_fetch", "fetch", map[string]any{
		"upstream_id": env.UpstreamID,
		"hash":        env.Hash,
	}, jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("killmail_fetch:%d", env.UpstreamID)}); err != nil {
		l.metrics.Errors.Add(1)
		slog.ErrorContext(ctx, "enqueue killmail fetch failed", "upstream_id", env.UpstreamID, "error", err)
		return
	}

	l.metrics.Enqueued.Add(1)
	l.updateConsumerState(ctx, env.UpstreamID, "processed")
}

func (l *Listener) updateConsumerState(ctx context.Context, upstreamID int64, outcome string) {
	processedDelta, dupDelta, errDelta := 0, 0, 0
	switch outcome {
	case "processed":
		processedDelta = 1
	case "duplicate":
		dupDelta = 1
	default:
		errDelta = 1
	}
	if _, err := l.db.Pool.Exec(ctx,
		`INSERT INTO realtime_consumer_state (consumer_id, state, last_upstream_id, processed_count, duplicate_count, error_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (consumer_id) DO UPDATE SET
		   state = EXCLUDED.state, last_upstream_id = EXCLUDED.last_upstream_id,
		   processed_count = realtime_consumer_state.processed_count + $4,
		   duplicate_count = realtime_consumer_state.duplicate_count + $5,
		   error_count = realtime_consumer_state.error_count + $6,
		   updated_at = now()`,
		l.consumerID, l.State().String(), upstreamID, processedDelta, dupDelta, errDelta,
	); err != nil {
		slog.WarnContext(ctx, "failed to persist consumer state", "error", err)
	}
}

func (l *Listener) saveState(ctx context.Context) {
	if _, err := l.db.Pool.Exec(ctx,
		`UPDATE realtime_consumer_state SET state = $2, updated_at = now() WHERE consumer_id = $1`,
		l.consumerID, l.State().String(),
	); err != nil {
		slog.WarnContext(ctx, "failed to save final consumer state", "error", err)
	}
}
