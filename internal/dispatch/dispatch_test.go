package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/location"
	"github.com/tdelhaise/box/internal/store"
	"github.com/tdelhaise/box/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *location.Coordinator) {
	t.Helper()
	st := store.New(t.TempDir(), nil)
	loc := location.New(st)
	self := ident.Identity{NodeUUID: ident.NewNodeUUID(), UserUUID: ident.NewUserUUID()}
	build := ident.BuildInfo{Version: "test", Commit: "deadbeef", GoVersion: "go1.24"}
	return New(st, loc, self, build, nil), st, loc
}

func registerCaller(t *testing.T, loc *location.Coordinator, node, user uuid.UUID) {
	t.Helper()
	require.NoError(t, loc.Publish(location.NodeRecord{
		NodeUUID: node,
		UserUUID: user,
		Online:   true,
	}))
}

func helloFrame() wire.Frame {
	payload, _ := wire.EncodeHello(wire.HelloPayload{Status: 0, Versions: []uint16{1}})
	return wire.Frame{Command: ident.CmdHello, RequestID: uuid.New(), Payload: payload}
}

func TestHelloNeverRequiresAuthorization(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sess := &Session{}

	frames := d.Handle(sess, helloFrame(), RemotePeer{Address: "127.0.0.1:1"})
	require.Len(t, frames, 1)
	require.Equal(t, ident.CmdHello, frames[0].Command)

	p, err := wire.DecodeHello(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusOK), p.Status)
}

func TestStatusImmediatelyAfterHelloIsPing(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sess := &Session{}

	d.Handle(sess, helloFrame(), RemotePeer{})

	statusPayload, _ := wire.EncodeStatus(wire.StatusPayload{Status: 0})
	ping := wire.Frame{Command: ident.CmdStatus, RequestID: uuid.New(), Payload: statusPayload}

	frames := d.Handle(sess, ping, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusOK), sp.Status)
	require.Contains(t, sp.Message, "box/test")
}

func TestUnknownCallerGetsUnauthorizedWithNoDisclosure(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	sess := &Session{}

	getPayload, _ := wire.EncodeGet(wire.GetPayload{QueuePath: "INBOX"})
	req := wire.Frame{
		Command:   ident.CmdGet,
		RequestID: uuid.New(),
		NodeUUID:  ident.NewNodeUUID(),
		UserUUID:  ident.NewUserUUID(),
		Payload:   getPayload,
	}

	frames := d.Handle(sess, req, RemotePeer{Address: "10.0.0.1:9"})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusUnauthorized), sp.Status)
	require.Empty(t, sp.Message)
}

func TestPutThenGetRoundTrip(t *testing.T) {
	d, _, loc := newTestDispatcher(t)
	sess := &Session{}
	node, user := uuid.New(), uuid.New()
	registerCaller(t, loc, node, user)

	putPayload, _ := wire.EncodePut(wire.PutPayload{QueuePath: "INBOX", ContentType: "text/plain", Data: []byte("hi")})
	putReq := wire.Frame{Command: ident.CmdPut, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: putPayload}

	frames := d.Handle(sess, putReq, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusOK), sp.Status)

	getPayload, _ := wire.EncodeGet(wire.GetPayload{QueuePath: "INBOX"})
	getReq := wire.Frame{Command: ident.CmdGet, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: getPayload}

	frames = d.Handle(sess, getReq, RemotePeer{})
	require.Len(t, frames, 1)
	require.Equal(t, ident.CmdPut, frames[0].Command)
	got, err := wire.DecodePut(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got.Data)

	// INBOX is ephemeral: the second GET finds nothing.
	frames = d.Handle(sess, getReq, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err = wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusNotFound), sp.Status)
}

func TestWhoswhoPutRejectsForeignSubject(t *testing.T) {
	d, _, loc := newTestDispatcher(t)
	sess := &Session{}
	node, user := uuid.New(), uuid.New()
	registerCaller(t, loc, node, user)

	foreignNode := uuid.New()
	body, _ := json.Marshal(location.NodeRecord{
		Schema:   location.NodeSchema,
		NodeUUID: foreignNode,
		UserUUID: user,
	})
	putPayload, _ := wire.EncodePut(wire.PutPayload{QueuePath: "whoswho", ContentType: "application/json", Data: body})
	req := wire.Frame{Command: ident.CmdPut, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: putPayload}

	frames := d.Handle(sess, req, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusBadRequest), sp.Status)
}

func TestLocateResolvesNodeThenFallsBackToUser(t *testing.T) {
	d, _, loc := newTestDispatcher(t)
	sess := &Session{}
	node, user := uuid.New(), uuid.New()
	registerCaller(t, loc, node, user)

	locatePayload, _ := wire.EncodeLocate(wire.LocatePayload{Subject: node, Kind: wire.LocateNode})
	req := wire.Frame{Command: ident.CmdLocate, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: locatePayload}

	frames := d.Handle(sess, req, RemotePeer{})
	require.Len(t, frames, 1)
	require.Equal(t, ident.CmdPut, frames[0].Command)

	locatePayload, _ = wire.EncodeLocate(wire.LocatePayload{Subject: uuid.New(), Kind: wire.LocateUser})
	req2 := wire.Frame{Command: ident.CmdLocate, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: locatePayload}
	frames = d.Handle(sess, req2, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusNotFound), sp.Status)
}

func TestSearchStreamsObjectsThenTerminatingStatus(t *testing.T) {
	d, _, loc := newTestDispatcher(t)
	sess := &Session{}
	node, user := uuid.New(), uuid.New()
	registerCaller(t, loc, node, user)

	for i := 0; i < 3; i++ {
		putPayload, _ := wire.EncodePut(wire.PutPayload{QueuePath: "archive", ContentType: "text/plain", Data: []byte("x")})
		putReq := wire.Frame{Command: ident.CmdPut, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: putPayload}
		d.Handle(sess, putReq, RemotePeer{})
	}

	searchPayload, _ := wire.EncodeSearch(wire.SearchPayload{QueuePath: "archive"})
	req := wire.Frame{Command: ident.CmdSearch, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: searchPayload}

	frames := d.Handle(sess, req, RemotePeer{})
	require.Len(t, frames, 4)
	for _, f := range frames[:3] {
		require.Equal(t, ident.CmdPut, f.Command)
	}
	sp, err := wire.DecodeStatus(frames[3].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusOK), sp.Status)
}

func TestDeleteRemovesObject(t *testing.T) {
	d, st, loc := newTestDispatcher(t)
	sess := &Session{}
	node, user := uuid.New(), uuid.New()
	registerCaller(t, loc, node, user)

	putPayload, _ := wire.EncodePut(wire.PutPayload{QueuePath: "archive", ContentType: "text/plain", Data: []byte("x")})
	putReq := wire.Frame{Command: ident.CmdPut, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: putPayload}
	d.Handle(sess, putReq, RemotePeer{})

	refs, err := st.List("archive")
	require.NoError(t, err)
	require.Len(t, refs, 1)

	deletePayload, _ := wire.EncodeDelete(wire.DeletePayload{QueuePath: "archive", ObjectID: refs[0].ID})
	req := wire.Frame{Command: ident.CmdDelete, RequestID: uuid.New(), NodeUUID: ident.NodeUUID(node), UserUUID: ident.UserUUID(user), Payload: deletePayload}

	frames := d.Handle(sess, req, RemotePeer{})
	require.Len(t, frames, 1)
	sp, err := wire.DecodeStatus(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, byte(ident.StatusOK), sp.Status)

	refs, err = st.List("archive")
	require.NoError(t, err)
	require.Empty(t, refs)
}
