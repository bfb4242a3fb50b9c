// Package location implements the Location Service coordinator: the
// single source of truth for presence and resolution, owning the
// whoswho queue. No other component writes to whoswho.
package location

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tdelhaise/box/internal/ident"
)

// Schema tags distinguish node records from user records within whoswho,
// since both shapes share the same queue.
const (
	NodeSchema = "box.location-service.v1"
	UserSchema = "box.location-service.user.v1"
)

// AddressScope classifies a node address by reachability.
type AddressScope string

const (
	ScopeGlobal  AddressScope = "global"
	ScopeLAN     AddressScope = "lan"
	ScopeLoopback AddressScope = "loopback"
)

// AddressSource records how an address was learned.
type AddressSource string

const (
	SourceProbe  AddressSource = "probe"
	SourceConfig AddressSource = "config"
	SourceManual AddressSource = "manual"
)

// Address is one entry in a node record's ordered address set.
type Address struct {
	IP     string        `json:"ip"`
	Port   int           `json:"port"`
	Scope  AddressScope  `json:"scope"`
	Source AddressSource `json:"source"`
}

// PortMappingOrigin records why port-mapping preference has its current
// value.
type PortMappingOrigin string

const (
	OriginDefault PortMappingOrigin = "default"
	OriginCLI     PortMappingOrigin = "cli"
	OriginConfig  PortMappingOrigin = "config"
)

// Connectivity is the IPv6/NAT probe result folded into a node record.
type Connectivity struct {
	Enabled bool              `json:"enabled"`
	Origin  PortMappingOrigin `json:"origin"`

	ExternalAddress string `json:"external_address,omitempty"`
	ExternalPort    int    `json:"external_port,omitempty"`
	Peer            string `json:"peer,omitempty"`
	Reachable       bool   `json:"reachable,omitempty"`
}

// NodeRecord is a presence/connectivity snapshot for a single daemon
// instance.
//
// TODO(root-resolver-sync): add a revision counter and signature once a
// root-resolver synchronisation protocol exists; the field is
// intentionally absent until then.
type NodeRecord struct {
	Schema   string `json:"schema"`
	UserUUID uuid.UUID `json:"user_uuid"`
	NodeUUID uuid.UUID `json:"node_uuid"`

	Addresses     []Address     `json:"addresses"`
	NodePublicKey string        `json:"node_public_key,omitempty"`
	Online        bool          `json:"online"`
	Since         int64         `json:"since"`     // ms since epoch
	LastSeen      int64         `json:"last_seen"` // ms since epoch
	Connectivity  Connectivity  `json:"connectivity"`
	Tags          []string      `json:"tags,omitempty"`
}

// UserRecord is a sorted index of node UUIDs owned by one user.
type UserRecord struct {
	Schema     string      `json:"schema"`
	UserUUID   uuid.UUID   `json:"user_uuid"`
	NodeUUIDs  []uuid.UUID `json:"node_uuids"`
	Generation int64       `json:"generation"` // ms since epoch
}

func sortNodeUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ToUUID converts a node identity to the plain uuid.UUID used internally
// by the Location Service's JSON record shapes.
func ToUUID(n ident.NodeUUID) uuid.UUID { return uuid.UUID(n.Bytes()) }

// ToUserUUID converts a user identity to the plain uuid.UUID used
// internally by the Location Service's JSON record shapes.
func ToUserUUID(u ident.UserUUID) uuid.UUID { return uuid.UUID(u.Bytes()) }
