package db

import "github.com/jackc/pgx/v5/pgtype"

// Source is a row of the sources table.
type Source struct {
	ID                 pgtype.UUID
	GroupID            string
	StreamID           string
	AgentIp            string
	ClusterName        string
	Status             int32
	PreTimeoutStatus   pgtype.Int4
	Intent             string
	IsDeleted          int16
	Message            string
	Version            int64
	Snapshot           []byte
	SnapshotReportedAt pgtype.Timestamptz
	LastHeartbeatAt    pgtype.Timestamptz
	CreatedAt          pgtype.Timestamptz
	ModifiedAt         pgtype.Timestamptz
	PendingOutcome     int16
}

// Agent is a row of the agents table.
type Agent struct {
	AgentIp        string
	ClusterName    string
	GroupSelectors []string
	LastSeenAt     pgtype.Timestamptz
	CreatedAt      pgtype.Timestamptz
	UpdatedAt      pgtype.Timestamptz
}
