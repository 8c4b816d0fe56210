// Package sqlitebackend implements store.Backend as a single shared SQLite
// file opened by every agent process, using GORM over the pure-Go
// glebarez/sqlite driver (no cgo). This is the default backend and the one
// the bulk of the conformance suite runs against.
package sqlitebackend

// peerRow is the GORM model for the peers table.
type peerRow struct {
	ID            string  `gorm:"primaryKey;column:id"`
	PID           int     `gorm:"column:pid"`
	Hostname      string  `gorm:"column:hostname"`
	CWD           string  `gorm:"column:cwd"`
	LastSeen      float64 `gorm:"column:last_seen;index"`
	Mode          string  `gorm:"column:mode"`
	ModeSince     float64 `gorm:"column:mode_since"`
	RecvStarted   float64 `gorm:"column:recv_started"`
	RecvDeadline  float64 `gorm:"column:recv_deadline"`
	RecvWaitSecs  int     `gorm:"column:recv_wait_seconds"`
	RecvLastTouch float64 `gorm:"column:recv_last_touch"`
}

func (peerRow) TableName() string { return "peers" }

// messageRow is the GORM model for the messages table.
type messageRow struct {
	MsgID       string  `gorm:"primaryKey;column:msg_id"`
	TS          float64 `gorm:"column:ts;index"`
	FromUser    string  `gorm:"column:from_user"`
	ToUser      string  `gorm:"column:to_user;index"`
	Content     string  `gorm:"column:content"`
	State       string  `gorm:"column:state;index"`
	LeaseOwner  string  `gorm:"column:lease_owner"`
	LeaseUntil  float64 `gorm:"column:lease_until"`
	Attempt     int     `gorm:"column:attempt"`
	DeliveredAt float64 `gorm:"column:delivered_at"`
}

func (messageRow) TableName() string { return "messages" }

// leaderLeaseRow is the GORM model for the single "main" leader lease row
//.
type leaderLeaseRow struct {
	Key        string  `gorm:"primaryKey;column:lease_key"`
	OwnerID    string  `gorm:"column:owner_id"`
	Host       string  `gorm:"column:host"`
	PID        int     `gorm:"column:pid"`
	LeaseUntil float64 `gorm:"column:lease_until"`
	UpdatedAt  float64 `gorm:"column:updated_at"`
}

func (leaderLeaseRow) TableName() string { return "leader_lease" }

// schemaMetaRow is the single schema_meta row gating reinitialization
//.
type schemaMetaRow struct {
	Key     string `gorm:"primaryKey;column:meta_key"`
	Version int    `gorm:"column:version"`
}

func (schemaMetaRow) TableName() string { return "schema_meta" }

const schemaMetaKey = "main"
const leaderLeaseKey = "main"
