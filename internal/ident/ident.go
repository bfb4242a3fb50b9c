// Package ident defines the identifiers and small shared types threaded
// through every other Box package: node/user UUIDs, command and status
// codes, and the runtime options produced by the (out-of-scope) CLI
// parser and config reader.
package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// Command identifies a wire-protocol request or response kind.
type Command uint32

const (
	CmdHello  Command = 1
	CmdPut    Command = 2
	CmdGet    Command = 3
	CmdDelete Command = 4
	CmdStatus Command = 5
	CmdSearch Command = 6
	CmdBye    Command = 7
	CmdLocate Command = 8
)

func (c Command) String() string {
	switch c {
	case CmdHello:
		return "HELLO"
	case CmdPut:
		return "PUT"
	case CmdGet:
		return "GET"
	case CmdDelete:
		return "DELETE"
	case CmdStatus:
		return "STATUS"
	case CmdSearch:
		return "SEARCH"
	case CmdBye:
		return "BYE"
	case CmdLocate:
		return "LOCATE"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// Valid reports whether c is one of the known command codes.
func (c Command) Valid() bool {
	switch c {
	case CmdHello, CmdPut, CmdGet, CmdDelete, CmdStatus, CmdSearch, CmdBye, CmdLocate:
		return true
	default:
		return false
	}
}

// Status is a one-byte wire status code carried in STATUS payloads.
type Status byte

const (
	StatusOK            Status = 0
	StatusUnauthorized  Status = 1
	StatusForbidden     Status = 2
	StatusNotFound      Status = 3
	StatusConflict      Status = 4
	StatusBadRequest    Status = 5
	StatusTooLarge      Status = 6
	StatusRateLimited   Status = 7
	StatusInternalError Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "notFound"
	case StatusConflict:
		return "conflict"
	case StatusBadRequest:
		return "badRequest"
	case StatusTooLarge:
		return "tooLarge"
	case StatusRateLimited:
		return "rateLimited"
	case StatusInternalError:
		return "internalError"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

// NodeUUID identifies a single daemon instance, generated on first boot
// and reused for the life of the installation.
type NodeUUID uuid.UUID

func (n NodeUUID) String() string  { return uuid.UUID(n).String() }
func (n NodeUUID) IsZero() bool    { return uuid.UUID(n) == uuid.Nil }
func (n NodeUUID) Bytes() [16]byte { return uuid.UUID(n) }

// UserUUID identifies a human or organisation that may own several nodes.
type UserUUID uuid.UUID

func (u UserUUID) String() string  { return uuid.UUID(u).String() }
func (u UserUUID) IsZero() bool    { return uuid.UUID(u) == uuid.Nil }
func (u UserUUID) Bytes() [16]byte { return uuid.UUID(u) }

// NewNodeUUID generates a fresh random node identity.
func NewNodeUUID() NodeUUID { return NodeUUID(uuid.New()) }

// NewUserUUID generates a fresh random user identity.
func NewUserUUID() UserUUID { return UserUUID(uuid.New()) }

// ParseNodeUUID parses a textual UUID as a node identity.
func ParseNodeUUID(s string) (NodeUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeUUID{}, fmt.Errorf("ident: parse node uuid: %w", err)
	}
	return NodeUUID(u), nil
}

// ParseUserUUID parses a textual UUID as a user identity.
func ParseUserUUID(s string) (UserUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserUUID{}, fmt.Errorf("ident: parse user uuid: %w", err)
	}
	return UserUUID(u), nil
}

// Identity is the pair of UUIDs every wire frame carries: the identity of
// the daemon instance (or client process) sending the frame, and the
// identity of the user who owns it.
type Identity struct {
	NodeUUID NodeUUID
	UserUUID UserUUID
}

// BuildInfo is surfaced by STATUS ping replies and the admin status command.
type BuildInfo struct {
	Version   string
	Commit    string
	GoVersion string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("box/%s (%s) %s", b.Version, b.Commit, b.GoVersion)
}

// Role distinguishes the two ways the single binary can run.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ClientActionKind selects the outbound action the client state machine
// drives to completion after the handshake completes.
type ClientActionKind int

const (
	ActionHandshake ClientActionKind = iota
	ActionPing
	ActionPut
	ActionGet
	ActionLocate
	ActionSync
)

// ClientAction bundles a ClientActionKind with its action-specific payload
// fields, as produced by the CLI parser.
type ClientAction struct {
	Kind        ClientActionKind
	QueuePath   string
	ContentType string
	Data        []byte
	Subject     string // textual UUID, parsed by the caller as node or user
}

// RuntimeOptions is the value produced by the out-of-scope CLI parser and
// configuration file reader; every other component consumes it, never
// reads flags or files directly.
type RuntimeOptions struct {
	Role    Role
	Config  Identity
	Build   BuildInfo

	ConfigPath string
	Address    string
	Port       int
	LogLevel   string
	LogTarget  string

	// PortMappingOverride is non-nil when --enable-port-mapping or
	// --no-enable-port-mapping was passed explicitly on the CLI.
	PortMappingOverride *bool

	ClientAction ClientAction
	AdminCommand []string

	Timeout int // seconds; 0 means no per-attempt timeout
}
