package hiboss

// CronSchedule is a recurring instruction that materializes into an
// envelope addressed to an agent each time it fires (§3, §4.7).
//
// The scheduler enforces a single-pending invariant: at most one
// materialized-but-undelivered envelope may exist per schedule at a
// time. PendingEnvelopeID is non-empty while that envelope is
// outstanding and is cleared when it is marked done.
type CronSchedule struct {
	ID                string
	AgentName         string
	Cron              string // 5-field cron expression
	Timezone          string // IANA zone name; empty means local
	Enabled           bool
	To                Address
	Content           Content
	Metadata          EnvelopeMetadata
	PendingEnvelopeID string
	CreatedAt         int64
	UpdatedAt         int64
}
