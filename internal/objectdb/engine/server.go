// Package engine implements the single-writer transaction core and
// subscription router described by the object database specification:
// the connection registry, the subscription fan-out maps, the commit
// path, and the heartbeat monitor all live here because they share one
// global lock and cannot be correctly decomposed across lock
// boundaries (a commit can enlarge a subscription and must ship both
// atomically).
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objectdb/objectdb-server/internal/objectdb/keymapping"
	"github.com/objectdb/objectdb-server/internal/objectdb/kvstore"
	"github.com/objectdb/objectdb-server/internal/objectdb/protocol"
)

// CoreSchema and ConnectionType name the built-in schema the server
// uses to track connection lifecycle objects, mirroring the object
// database's own core_schema.Connection type.
const (
	CoreSchema     = "core"
	ConnectionType = "Connection"
)

// Publisher mirrors committed transactions to an external observer.
// Implemented by internal/replication; failures here are logged and
// counted, never propagated as commit failure.
type Publisher interface {
	PublishTransaction(schemaTypePairs [][2]string, tx protocol.Transaction) error
}

// Metrics is the subset of internal/metrics.Registry the engine needs.
// Declared as an interface here so the engine package does not import
// the metrics package's Prometheus dependency directly.
type Metrics interface {
	IncConnections()
	DecConnections()
	IncTransactions()
	IncConflicts()
	IncSubscriptions()
	IncHeartbeatDrops()
	IncReplicationErr()
	ObserveCommitLatency(time.Duration)
	ObserveSnapshotLatency(time.Duration)
}

// Options configures a Server.
type Options struct {
	HeartbeatInterval        time.Duration
	LongTransactionThreshold time.Duration
	Verbose                  bool
	Logger                   *zap.Logger
	Metrics                  Metrics
	Publisher                Publisher

	// Clock, if set, is used for heartbeat timestamps in place of
	// time.Now. Exists as a seam for heartbeat_test.go's fake clock;
	// production code should leave it nil.
	Clock func() time.Time
}

// Server is the single-writer transaction engine and subscription
// router. All exported methods that mutate state take srv.mu; the
// zero value is not usable, construct with NewServer.
type Server struct {
	mu    sync.Mutex
	store kvstore.Store

	opts Options

	curTransactionNum int64
	versionNumbers    map[keymapping.Key]int64

	channels map[*Channel]struct{}

	typeToChannel  map[schemaTypePair]map[*Channel]struct{}
	indexToChannel map[keymapping.Key]map[*Channel]struct{}
	idToChannel    map[string]map[*Channel]struct{}
}

// NewServer builds a Server over store. Callers should invoke
// ReapStaleConnections once, before accepting any client connections,
// per spec.md §3 Lifecycles / §6 "Persisted state".
func NewServer(store kvstore.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.LongTransactionThreshold <= 0 {
		opts.LongTransactionThreshold = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Server{
		store:          store,
		opts:           opts,
		versionNumbers: make(map[keymapping.Key]int64),
		channels:       make(map[*Channel]struct{}),
		typeToChannel:  make(map[schemaTypePair]map[*Channel]struct{}),
		indexToChannel: make(map[keymapping.Key]map[*Channel]struct{}),
		idToChannel:    make(map[string]map[*Channel]struct{}),
	}
}

// HeartbeatInterval reports the configured heartbeat interval, for
// components (like the heartbeat monitor) that need to derive their
// own timing from it.
func (s *Server) HeartbeatInterval() time.Duration { return s.opts.HeartbeatInterval }

type noopMetrics struct{}

func (noopMetrics) IncConnections()                         {}
func (noopMetrics) DecConnections()                         {}
func (noopMetrics) IncTransactions()                        {}
func (noopMetrics) IncConflicts()                           {}
func (noopMetrics) IncSubscriptions()                        {}
func (noopMetrics) IncHeartbeatDrops()                      {}
func (noopMetrics) IncReplicationErr()                       {}
func (noopMetrics) ObserveCommitLatency(time.Duration)      {}
func (noopMetrics) ObserveSnapshotLatency(time.Duration)    {}
