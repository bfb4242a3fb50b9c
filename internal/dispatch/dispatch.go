// Package dispatch implements the request dispatcher: the per-frame
// server-side state machine that authorizes a caller against the
// Location Service and turns a decoded request frame into one or more
// response frames.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/location"
	"github.com/tdelhaise/box/internal/store"
	"github.com/tdelhaise/box/internal/wire"
)

// Session tracks the minimal per-flow state the preamble needs: whether
// the immediately preceding frame from this remote was a HELLO, so the
// first STATUS after it is treated as a ping rather than requiring prior
// registration.
type Session struct {
	justHelloed bool
}

// Dispatcher turns decoded frames into responses. It never performs I/O
// beyond what Store and Coordinator already do, and never touches the
// network: the runtime controller owns the socket.
type Dispatcher struct {
	Store *store.Store
	Loc   *location.Coordinator
	Self  ident.Identity
	Build ident.BuildInfo
	Log   *logrus.Logger
}

// New constructs a Dispatcher. log may be nil, in which case audit
// logging is skipped (useful in unit tests).
func New(st *store.Store, loc *location.Coordinator, self ident.Identity, build ident.BuildInfo, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{Store: st, Loc: loc, Self: self, Build: build, Log: log}
}

// RemotePeer describes the caller for audit-logging purposes only; it
// never participates in authorization, which is keyed solely on the
// frame's declared node/user UUIDs (matching the Location Service's own
// record).
type RemotePeer struct {
	Address string
}

// Handle authorizes and processes req, returning the frames to send back
// to the caller in order. A nil/empty slice means no response should be
// sent; of the valid commands, only BYE gets no answer.
func (d *Dispatcher) Handle(sess *Session, req wire.Frame, peer RemotePeer) []wire.Frame {
	cmd := req.Command
	wasHello := sess.justHelloed
	sess.justHelloed = cmd == ident.CmdHello

	if cmd == ident.CmdHello {
		return []wire.Frame{d.handleHello(req)}
	}

	if cmd == ident.CmdStatus && wasHello {
		return []wire.Frame{d.pingReply(req)}
	}

	authorized, err := d.Loc.Authorize(location.ToUUID(req.NodeUUID), location.ToUserUUID(req.UserUUID))
	if err != nil {
		d.audit(logrus.Fields{"remote_addr": peer.Address, "command": cmd.String()}, "authorize lookup failed: %v", err)
		return []wire.Frame{d.statusFrame(req, ident.StatusInternalError, "")}
	}
	if !authorized {
		d.audit(logrus.Fields{
			"remote_addr": peer.Address,
			"node_uuid":   req.NodeUUID.String(),
			"user_uuid":   req.UserUUID.String(),
			"command":     cmd.String(),
		}, "unauthorized request")
		return []wire.Frame{d.statusFrame(req, ident.StatusUnauthorized, "")}
	}

	switch cmd {
	case ident.CmdStatus:
		return []wire.Frame{d.pingReply(req)}
	case ident.CmdPut:
		return []wire.Frame{d.handlePut(req)}
	case ident.CmdGet:
		return []wire.Frame{d.handleGet(req)}
	case ident.CmdLocate:
		return []wire.Frame{d.handleLocate(req)}
	case ident.CmdSearch:
		return d.handleSearch(req)
	case ident.CmdDelete:
		return []wire.Frame{d.handleDelete(req)}
	case ident.CmdBye:
		return nil
	default:
		return nil
	}
}

func (d *Dispatcher) audit(fields logrus.Fields, format string, args ...interface{}) {
	if d.Log == nil {
		return
	}
	d.Log.WithFields(fields).Warnf(format, args...)
}

func (d *Dispatcher) statusFrame(req wire.Frame, status ident.Status, message string) wire.Frame {
	payload, err := wire.EncodeStatus(wire.StatusPayload{Status: byte(status), Message: message})
	if err != nil {
		payload = nil
	}
	return wire.Frame{
		Command:   ident.CmdStatus,
		RequestID: req.RequestID,
		NodeUUID:  d.Self.NodeUUID,
		UserUUID:  d.Self.UserUUID,
		Payload:   payload,
	}
}

func (d *Dispatcher) handleHello(req wire.Frame) wire.Frame {
	payload, _ := wire.EncodeHello(wire.HelloPayload{
		Status:   byte(ident.StatusOK),
		Versions: []uint16{uint16(wire.Version)},
	})
	return wire.Frame{
		Command:   ident.CmdHello,
		RequestID: req.RequestID,
		NodeUUID:  d.Self.NodeUUID,
		UserUUID:  d.Self.UserUUID,
		Payload:   payload,
	}
}

func (d *Dispatcher) pingReply(req wire.Frame) wire.Frame {
	return d.statusFrame(req, ident.StatusOK, d.Build.String())
}

func (d *Dispatcher) handlePut(req wire.Frame) wire.Frame {
	in, err := wire.DecodePut(req.Payload)
	if err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	if err := wire.ValidateQueuePath(in.QueuePath); err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	queue := wire.NormalizeQueuePath(in.QueuePath)

	obj := store.Object{
		ID:          uuid.New(),
		ContentType: in.ContentType,
		Data:        in.Data,
		CreatedAt:   time.Now().UTC(),
		NodeID:      location.ToUUID(req.NodeUUID),
		UserID:      location.ToUserUUID(req.UserUUID),
	}

	if queue == store.WhoswhoQueue {
		subject, schema, err := subjectOf(in.Data, req)
		if err != nil {
			return d.statusFrame(req, ident.StatusBadRequest, "")
		}
		obj.ID = subject
		obj.Schema = schema
	}

	if _, err := d.Store.Put(obj, queue); err != nil {
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	return d.statusFrame(req, ident.StatusOK, "")
}

// subjectOf parses the JSON body of a whoswho PUT to recover the subject
// UUID and schema, and enforces that the declared subject matches the
// authenticated caller's own identity: a node only publishes its own node
// record, a user only publishes its own user record.
func subjectOf(data []byte, req wire.Frame) (uuid.UUID, string, error) {
	var probe struct {
		Schema   string     `json:"schema"`
		NodeUUID *uuid.UUID `json:"node_uuid"`
		UserUUID *uuid.UUID `json:"user_uuid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return uuid.Nil, "", fmt.Errorf("dispatch: whoswho put: %w", err)
	}
	wantNode := location.ToUUID(req.NodeUUID)
	wantUser := location.ToUserUUID(req.UserUUID)

	switch probe.Schema {
	case location.NodeSchema:
		if probe.NodeUUID == nil || *probe.NodeUUID != wantNode {
			return uuid.Nil, "", fmt.Errorf("dispatch: whoswho put: node uuid mismatch")
		}
		if probe.UserUUID == nil || *probe.UserUUID != wantUser {
			return uuid.Nil, "", fmt.Errorf("dispatch: whoswho put: user uuid mismatch")
		}
		return *probe.NodeUUID, location.NodeSchema, nil
	case location.UserSchema:
		if probe.UserUUID == nil || *probe.UserUUID != wantUser {
			return uuid.Nil, "", fmt.Errorf("dispatch: whoswho put: user uuid mismatch")
		}
		return *probe.UserUUID, location.UserSchema, nil
	default:
		return uuid.Nil, "", fmt.Errorf("dispatch: whoswho put: unknown schema %q", probe.Schema)
	}
}

func (d *Dispatcher) handleGet(req wire.Frame) wire.Frame {
	in, err := wire.DecodeGet(req.Payload)
	if err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	if err := wire.ValidateQueuePath(in.QueuePath); err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	queue := wire.NormalizeQueuePath(in.QueuePath)

	obj, err := d.Store.GetLatest(queue)
	if err != nil {
		if err == store.ErrObjectNotFound || err == store.ErrQueueNotFound {
			return d.statusFrame(req, ident.StatusNotFound, "")
		}
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	return d.putReplyForQueue(req, queue, obj)
}

func (d *Dispatcher) putReplyForQueue(req wire.Frame, queue string, obj store.Object) wire.Frame {
	payload, err := wire.EncodePut(wire.PutPayload{
		QueuePath:   queue,
		ContentType: obj.ContentType,
		Data:        obj.Data,
	})
	if err != nil {
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	return wire.Frame{
		Command:   ident.CmdPut,
		RequestID: req.RequestID,
		NodeUUID:  d.Self.NodeUUID,
		UserUUID:  d.Self.UserUUID,
		Payload:   payload,
	}
}

func (d *Dispatcher) handleDelete(req wire.Frame) wire.Frame {
	in, err := wire.DecodeDelete(req.Payload)
	if err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	if err := wire.ValidateQueuePath(in.QueuePath); err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}
	queue := wire.NormalizeQueuePath(in.QueuePath)

	if err := d.Store.Remove(queue, in.ObjectID); err != nil {
		if err == store.ErrObjectNotFound || err == store.ErrQueueNotFound {
			return d.statusFrame(req, ident.StatusNotFound, "")
		}
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	return d.statusFrame(req, ident.StatusOK, "")
}

func (d *Dispatcher) handleLocate(req wire.Frame) wire.Frame {
	in, err := wire.DecodeLocate(req.Payload)
	if err != nil {
		return d.statusFrame(req, ident.StatusBadRequest, "")
	}

	if rec, ok, err := d.Loc.ResolveNode(in.Subject); err != nil {
		return d.statusFrame(req, ident.StatusInternalError, "")
	} else if ok {
		data, err := json.Marshal(rec)
		if err != nil {
			return d.statusFrame(req, ident.StatusInternalError, "")
		}
		return d.putReplyForQueue(req, store.WhoswhoQueue, store.Object{ContentType: "application/json", Data: data})
	}

	owned, ok, err := d.Loc.ResolveUser(in.Subject)
	if err != nil {
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	if !ok {
		return d.statusFrame(req, ident.StatusNotFound, "")
	}

	nodeIDs := make([]uuid.UUID, 0, len(owned))
	for _, n := range owned {
		nodeIDs = append(nodeIDs, n.NodeUUID)
	}
	body := struct {
		UserUUID  uuid.UUID             `json:"user_uuid"`
		NodeUUIDs []uuid.UUID           `json:"node_uuids"`
		Records   []location.NodeRecord `json:"records"`
	}{UserUUID: in.Subject, NodeUUIDs: nodeIDs, Records: owned}
	data, err := json.Marshal(body)
	if err != nil {
		return d.statusFrame(req, ident.StatusInternalError, "")
	}
	return d.putReplyForQueue(req, store.WhoswhoQueue, store.Object{ContentType: "application/json", Data: data})
}

func (d *Dispatcher) handleSearch(req wire.Frame) []wire.Frame {
	in, err := wire.DecodeSearch(req.Payload)
	if err != nil {
		return []wire.Frame{d.statusFrame(req, ident.StatusBadRequest, "")}
	}
	if err := wire.ValidateQueuePath(in.QueuePath); err != nil {
		return []wire.Frame{d.statusFrame(req, ident.StatusBadRequest, "")}
	}
	queue := wire.NormalizeQueuePath(in.QueuePath)

	refs, err := d.Store.List(queue)
	if err != nil {
		if err == store.ErrQueueNotFound {
			return []wire.Frame{d.statusFrame(req, ident.StatusNotFound, "")}
		}
		return []wire.Frame{d.statusFrame(req, ident.StatusInternalError, "")}
	}

	frames := make([]wire.Frame, 0, len(refs)+1)
	for _, ref := range refs {
		obj, err := d.Store.Read(ref)
		if err != nil {
			return append(frames, d.statusFrame(req, ident.StatusInternalError, ""))
		}
		frames = append(frames, d.putReplyForQueue(req, queue, obj))
	}
	frames = append(frames, d.statusFrame(req, ident.StatusOK, ""))
	return frames
}
