package registry

import (
	"hash/fnv"
	"sync"
	"time"

	"market-streamer/src/models"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Registry
//
// Owns all per-connection subscription state and the inverted index from
// indicator key to subscribing connections. At most one subscription record
// per connection, replaced wholesale on re-subscribe. The index is sharded
// by key hash so lookups and mutations for unrelated keys never contend;
// membership changes for one key are atomic under that key's shard lock, so
// a lookup never observes a half-applied mutation.
// -----------------------------------------------------------------------------

type connection struct {
	userID    string
	sessionID string
	lastBeat  time.Time
	sub       *models.MSessionSubscription // nil until first subscribe

	// indexMu serializes this connection's inverted-index mutations with
	// its record lifecycle. Without it a Drop racing a Subscribe could
	// remove the members and then lose to the Subscribe re-inserting
	// them for a connection that no longer exists. Always acquired
	// before connMu.
	indexMu sync.Mutex
}

type indexShard struct {
	mu      sync.RWMutex
	members map[models.MIndicatorKey]map[string]struct{}
}

// ValueSource resolves the current computed value for a key, used to build
// the one-time snapshot returned from Subscribe. May report absence.
type ValueSource func(key models.MIndicatorKey) (models.MIndicatorUpdate, bool)

type Registry struct {
	Logger *zap.Logger

	connMu sync.RWMutex
	conns  map[string]*connection

	shards []*indexShard

	values ValueSource
}

// -----------------------------------------------------------------------------

func NewRegistry(shardCount int, log *zap.Logger) *Registry {
	if shardCount <= 0 {
		shardCount = 16
	}

	shards := make([]*indexShard, shardCount)
	for i := range shards {
		shards[i] = &indexShard{members: make(map[models.MIndicatorKey]map[string]struct{})}
	}

	return &Registry{
		Logger: log.Named("registry"),
		conns:  make(map[string]*connection),
		shards: shards,
	}
}

// -----------------------------------------------------------------------------

// SetValueSource injects the snapshot lookup. Without one, subscribe
// acknowledgements carry an empty initial value map.
func (r *Registry) SetValueSource(src ValueSource) {
	r.values = src
}

// -----------------------------------------------------------------------------

func (r *Registry) shard(key models.MIndicatorKey) *indexShard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// -----------------------------------------------------------------------------

// Register creates the liveness record for a freshly accepted connection.
// Re-registering an id refreshes the existing record rather than
// replacing it, so index memberships tied to the record are never
// stranded.
func (r *Registry) Register(connID, userID, sessionID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		conn.userID = userID
		conn.sessionID = sessionID
		conn.lastBeat = time.Now()
		return
	}
	r.conns[connID] = &connection{
		userID:    userID,
		sessionID: sessionID,
		lastBeat:  time.Now(),
	}
}

// -----------------------------------------------------------------------------

// Subscribe replaces any prior subscription for connID: old key memberships
// not in the new set are removed, new ones added. Returns the current value
// snapshot for the requested indicators so the client does not wait for the
// next update cycle.
func (r *Registry) Subscribe(connID, userID, sessionID, symbol, timeframe string, indicators []string) map[string]float64 {
	keys := make([]models.MIndicatorKey, 0, len(indicators))
	for _, ind := range indicators {
		keys = append(keys, models.MIndicatorKey{Symbol: symbol, Timeframe: timeframe, Indicator: ind})
	}

	sub := &models.MSessionSubscription{
		ConnID:     connID,
		UserID:     userID,
		SessionID:  sessionID,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Indicators: indicators,
		Keys:       keys,
	}

	r.connMu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		conn = &connection{userID: userID, sessionID: sessionID}
		r.conns[connID] = conn
	}
	r.connMu.Unlock()

	conn.indexMu.Lock()
	defer conn.indexMu.Unlock()

	r.connMu.Lock()
	if r.conns[connID] != conn {
		// Dropped while waiting on indexMu: a dead connection must not
		// re-enter the index.
		r.connMu.Unlock()
		return map[string]float64{}
	}
	conn.userID = userID
	conn.sessionID = sessionID
	conn.lastBeat = time.Now()

	var oldKeys []models.MIndicatorKey
	if conn.sub != nil {
		oldKeys = conn.sub.Keys
	}
	conn.sub = sub
	r.connMu.Unlock()

	newSet := make(map[models.MIndicatorKey]struct{}, len(keys))
	for _, k := range keys {
		newSet[k] = struct{}{}
	}

	// Drop memberships that did not survive the replace.
	for _, k := range oldKeys {
		if _, keep := newSet[k]; !keep {
			r.removeMember(k, connID)
		}
	}
	for _, k := range keys {
		r.addMember(k, connID)
	}

	// One-time snapshot of current values.
	snapshot := make(map[string]float64)
	if r.values != nil {
		for _, k := range keys {
			if upd, ok := r.values(k); ok {
				snapshot[k.Indicator] = upd.Value
			}
		}
	}
	return snapshot
}

// -----------------------------------------------------------------------------

func (r *Registry) addMember(key models.MIndicatorKey, connID string) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members[key] == nil {
		s.members[key] = make(map[string]struct{})
	}
	s.members[key][connID] = struct{}{}
}

func (r *Registry) removeMember(key models.MIndicatorKey, connID string) {
	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.members[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.members, key)
		}
	}
}

// -----------------------------------------------------------------------------

// Unsubscribe removes the connection's record and every inverted-index
// membership. Idempotent: called both for explicit client messages and for
// connection close / heartbeat timeout, possibly more than once.
func (r *Registry) Unsubscribe(connID string) {
	r.connMu.RLock()
	conn, ok := r.conns[connID]
	r.connMu.RUnlock()
	if !ok {
		return
	}

	conn.indexMu.Lock()
	defer conn.indexMu.Unlock()

	r.connMu.Lock()
	var keys []models.MIndicatorKey
	if conn.sub != nil {
		keys = conn.sub.Keys
		conn.sub = nil
	}
	r.connMu.Unlock()

	for _, k := range keys {
		r.removeMember(k, connID)
	}
}

// -----------------------------------------------------------------------------

// Drop destroys the connection entirely: cascade-removes all registry
// entries, then forgets the liveness record. Safe on unknown connections.
func (r *Registry) Drop(connID string) {
	r.connMu.RLock()
	conn, ok := r.conns[connID]
	r.connMu.RUnlock()
	if !ok {
		return
	}

	conn.indexMu.Lock()
	defer conn.indexMu.Unlock()

	// The record goes away while indexMu is held, so a Subscribe waiting
	// on the same connection observes the deletion and backs off.
	r.connMu.Lock()
	var keys []models.MIndicatorKey
	if conn.sub != nil {
		keys = conn.sub.Keys
		conn.sub = nil
	}
	delete(r.conns, connID)
	r.connMu.Unlock()

	for _, k := range keys {
		r.removeMember(k, connID)
	}
}

// -----------------------------------------------------------------------------

// LookupSubscribers returns the connections currently registered for a key.
// Read path of the broadcast router; safe under concurrent mutation.
func (r *Registry) LookupSubscribers(key models.MIndicatorKey) []string {
	s := r.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.members[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// -----------------------------------------------------------------------------

// Subscription returns the current record for a connection, if any.
func (r *Registry) Subscription(connID string) (models.MSessionSubscription, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok || conn.sub == nil {
		return models.MSessionSubscription{}, false
	}
	return *conn.sub, true
}

// -----------------------------------------------------------------------------

// ActiveKeys returns every key with at least one subscriber. The indicator
// engine derives its computation set from this.
func (r *Registry) ActiveKeys() []models.MIndicatorKey {
	var keys []models.MIndicatorKey
	for _, s := range r.shards {
		s.mu.RLock()
		for k := range s.members {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// -----------------------------------------------------------------------------

// Heartbeat refreshes a connection's liveness timestamp.
func (r *Registry) Heartbeat(connID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if conn, ok := r.conns[connID]; ok {
		conn.lastBeat = time.Now()
	}
}

// -----------------------------------------------------------------------------

// expired returns connections whose last heartbeat is older than timeout.
func (r *Registry) expired(timeout time.Duration, now time.Time) []string {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	var out []string
	for id, conn := range r.conns {
		if now.Sub(conn.lastBeat) > timeout {
			out = append(out, id)
		}
	}
	return out
}

// -----------------------------------------------------------------------------

// Stats summarizes the registry for observability.
func (r *Registry) Stats() models.MRegistryStats {
	r.connMu.RLock()
	users := make(map[string]struct{})
	connCount := len(r.conns)
	for _, c := range r.conns {
		users[c.userID] = struct{}{}
	}
	r.connMu.RUnlock()

	keyCount := 0
	for _, s := range r.shards {
		s.mu.RLock()
		keyCount += len(s.members)
		s.mu.RUnlock()
	}

	return models.MRegistryStats{
		ConnectionCount: connCount,
		UniqueKeyCount:  keyCount,
		UniqueUserCount: len(users),
	}
}
