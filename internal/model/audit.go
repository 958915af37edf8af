package model

import "time"

// ActorSystem is the actor recorded for events without an authenticated principal.
const ActorSystem = "system"

// AuditEvent is an append-only record of a state change.
type AuditEvent struct {
	Seq     int64
	TS      time.Time
	Actor   string
	Kind    string
	Subject string
	Details map[string]string
}

// AuditPage is one page of the audit log, ordered by Seq.
type AuditPage struct {
	Events  []AuditEvent
	NextSeq int64 // pass as afterSeq to get the next page; 0 when exhausted
}
