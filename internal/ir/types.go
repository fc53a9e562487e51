package ir

import (
	"encoding/json"
	"time"
)

// EntityType is the closed set of local entity kinds the engine can sync.
type EntityType string

const (
	EntityUser         EntityType = "User"
	EntityCompany      EntityType = "Company"
	EntityLocation     EntityType = "Location"
	EntityTicket       EntityType = "Ticket"
	EntityCustomRecord EntityType = "CustomRecord"
)

// EntityTypes lists every EntityType in declaration order.
var EntityTypes = []EntityType{
	EntityUser,
	EntityCompany,
	EntityLocation,
	EntityTicket,
	EntityCustomRecord,
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Direction is a sync direction policy. Log entries and ExternalId rows carry
// one of the two one-way values; mappings may also be bidirectional.
type Direction string

const (
	DirectionLocalToRemote Direction = "local_to_remote"
	DirectionRemoteToLocal Direction = "remote_to_local"
	DirectionBidirectional Direction = "bidirectional"

	// DirectionNone results from narrowing two conflicting one-way policies.
	DirectionNone Direction = "none"
)

// Valid reports whether d is a configurable direction. The empty direction
// is valid on overrides and means "inherit".
func (d Direction) Valid() bool {
	switch d {
	case DirectionLocalToRemote, DirectionRemoteToLocal, DirectionBidirectional:
		return true
	}
	return false
}

// Allows reports whether the policy d permits data to flow in the one-way
// direction flow.
func (d Direction) Allows(flow Direction) bool {
	if d == DirectionBidirectional {
		return flow == DirectionLocalToRemote || flow == DirectionRemoteToLocal
	}
	return d == flow
}

// Narrow applies an override to a parent policy. An override can restrict a
// bidirectional parent to one way but can never widen a one-way parent.
func (d Direction) Narrow(override Direction) Direction {
	switch {
	case override == "":
		return d
	case d == DirectionBidirectional:
		return override
	case override == DirectionBidirectional, override == d:
		return d
	default:
		return DirectionNone
	}
}

// CredentialKind identifies the shape of a connection's credential material.
type CredentialKind string

const (
	CredentialOAuth             CredentialKind = "oauth"
	CredentialAPIKey            CredentialKind = "api_key"
	CredentialClientCredentials CredentialKind = "client_credentials"
)

// Credentials is the opaque credential material of a connection. It is sealed
// at rest and only decoded when an adapter is opened.
type Credentials struct {
	Kind         CredentialKind `json:"kind,omitempty"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Expiry       time.Time      `json:"expiry,omitempty"`
	APIKey       string         `json:"api_key,omitempty"`
	ClientID     string         `json:"client_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
	TokenURL     string         `json:"token_url,omitempty"`
	Scopes       []string       `json:"scopes,omitempty"`
}

// IsZero reports whether no credential material is set.
func (c Credentials) IsZero() bool {
	return c.Kind == "" && c.AccessToken == "" && c.RefreshToken == "" && c.APIKey == "" &&
		c.ClientID == "" && c.ClientSecret == "" && c.TokenURL == "" && c.Expiry.IsZero() && len(c.Scopes) == 0
}

// Refreshable reports whether the credentials carry a refresh mechanism.
func (c Credentials) Refreshable() bool {
	switch c.Kind {
	case CredentialOAuth:
		return c.RefreshToken != "" && c.TokenURL != ""
	case CredentialClientCredentials:
		return c.ClientID != "" && c.TokenURL != ""
	}
	return false
}

// Connection is one external CRM account.
type Connection struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Provider  string        `json:"provider"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Direction Direction     `json:"direction"`
	Interval  time.Duration `json:"interval,omitempty"`
	Enabled   bool          `json:"enabled"`
	Metadata  Object        `json:"metadata,omitempty"`

	Credentials Credentials `json:"-"`

	LastRunAt           time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastSyncError       string    `json:"last_sync_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// EntityMapping binds one local entity type to one remote entity.
type EntityMapping struct {
	ID            int64      `json:"id,omitempty"`
	LocalType     EntityType `json:"local"`
	RemoteEntity  string     `json:"remote"`
	Filter        string     `json:"filter,omitempty"`
	KeyField      string     `json:"key"`
	ModifiedField string     `json:"modified,omitempty"`
	Direction     Direction  `json:"direction,omitempty"`
	Enabled       bool       `json:"enabled"`
	Order         int        `json:"order"`

	Fields        []FieldMapping        `json:"fields"`
	Relationships []RelationshipMapping `json:"relationships,omitempty"`
}

// FieldMapping binds a local field path to a remote field name.
type FieldMapping struct {
	LocalField  string    `json:"local"`
	RemoteField string    `json:"remote"`
	Direction   Direction `json:"direction,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Transform   string    `json:"transform,omitempty"`
	// TransformConfig is stored verbatim and parsed when the plan is compiled.
	TransformConfig json.RawMessage `json:"transform_config,omitempty"`
	Order           int             `json:"order"`
}

// RelationshipMapping binds a local reference field to a remote lookup field.
type RelationshipMapping struct {
	LocalField          string     `json:"local"`
	RelatedType         EntityType `json:"related"`
	RemoteField         string     `json:"remote"`
	RemoteRelatedEntity string     `json:"remote_related"`
	Direction           Direction  `json:"direction,omitempty"`
	AutoCreate          bool       `json:"auto_create,omitempty"`
	SyncNullValues      bool       `json:"sync_null_values,omitempty"`
	Order               int        `json:"order"`
}

// ConnectionConfig is a connection together with its mapping configuration,
// as authored or as loaded from the store.
type ConnectionConfig struct {
	Connection Connection      `json:"connection"`
	Mappings   []EntityMapping `json:"mappings"`
}

// ExternalID correlates one local record with one remote record.
type ExternalID struct {
	ConnectionID  string     `json:"connection_id"`
	LocalType     EntityType `json:"local_type"`
	LocalID       string     `json:"local_id"`
	RemoteEntity  string     `json:"remote_entity"`
	RemoteID      string     `json:"remote_id"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	LastDirection Direction  `json:"last_direction"`
	LastSyncHash  string     `json:"last_sync_hash"`
	// LastPayload is the remote-representation payload of the last sync, used
	// to report changed field names.
	LastPayload Object `json:"last_payload,omitempty"`
}

// Action is the kind of write a log entry records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSkip   Action = "skip"
)

// Status is the outcome of one logged action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// SyncLogEntry is the append-only audit row for one action on one record.
type SyncLogEntry struct {
	ID            int64         `json:"id,omitempty"`
	RunID         string        `json:"run_id"`
	ConnectionID  string        `json:"connection_id"`
	RemoteEntity  string        `json:"remote_entity"`
	LocalType     EntityType    `json:"local_type"`
	LocalID       string        `json:"local_id,omitempty"`
	RemoteID      string        `json:"remote_id,omitempty"`
	Direction     Direction     `json:"direction"`
	Action        Action        `json:"action"`
	Status        Status        `json:"status"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	Error         string        `json:"error,omitempty"`
	ChangedFields []string      `json:"changed_fields,omitempty"`
	Duration      time.Duration `json:"duration"`
	CreatedAt     time.Time     `json:"created_at"`
}

// RunStatus is the overall status of one sync run.
type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunAborted             RunStatus = "aborted"
	RunCancelled           RunStatus = "cancelled"
)

// RunReport summarizes one sync run.
type RunReport struct {
	RunID        string    `json:"run_id"`
	ConnectionID string    `json:"connection_id"`
	Status       RunStatus `json:"status"`
	Full         bool      `json:"full,omitempty"`
	Created      int       `json:"created"`
	Updated      int       `json:"updated"`
	Deleted      int       `json:"deleted"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Deferred     int       `json:"deferred"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Count tallies a log entry into the report counters.
func (r *RunReport) Count(e SyncLogEntry) {
	switch {
	case e.Status == StatusFailed:
		r.Failed++
	case e.Action == ActionCreate:
		r.Created++
	case e.Action == ActionUpdate:
		r.Updated++
	case e.Action == ActionDelete:
		r.Deleted++
	default:
		r.Skipped++
	}
}
