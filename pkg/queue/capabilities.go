package queue

// DriverType identifies a backing store implementation. Shared worker and
// scheduler code dispatches on capabilities, never on the driver name, so
// adding a store means implementing the capability surface.
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverRedis    DriverType = "redis"
	DriverMemory   DriverType = "memory"
	DriverHTTP     DriverType = "http"
)

// Capabilities describes what a backing store natively supports.
type Capabilities struct {
	// Driver names the implementation, for logging and diagnostics only.
	Driver DriverType

	// SkipLocked is true when the store claims via native row-skip-locking
	// (SELECT ... FOR UPDATE SKIP LOCKED). When false the store uses the
	// token-verify compare-and-set claim variant.
	SkipLocked bool

	// Notify is true when the store can push enqueue wakeups to workers
	// (LISTEN/NOTIFY, pub/sub) so pickup latency beats the poll interval.
	Notify bool

	// JSONB is true when the store persists payloads, stages, and metadata
	// as queryable structured documents rather than opaque blobs.
	JSONB bool

	// SchedulerPersistence is true when ListSchedules reflects durable
	// state. Stores without a query-all-schedules primitive keep a
	// process-local cache and must report false here.
	SchedulerPersistence bool
}
