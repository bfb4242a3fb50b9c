// Package client implements the outbound client state machine: HELLO,
// then a STATUS ping, then the caller's requested action, iterating
// candidate endpoints in order and aborting on first success — the same
// "iterate candidates, collect errors, stop on success" idiom used for
// bootstrap dialing elsewhere, generalised here to a single outbound
// request/response exchange.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/transport"
	"github.com/tdelhaise/box/internal/wire"
)

// Endpoint is one candidate server address to try, in priority order:
// explicit CLI address first, else the configured client address, else
// the configured root servers (shuffled), else a local fallback.
type Endpoint struct {
	Address string // host:port
}

// Result is what a successful action produces, shaped per action kind.
type Result struct {
	Status      ident.Status
	Message     string
	ContentType string
	Data        []byte
	Frames      []wire.Frame // raw PUT frames for a sync/search stream
}

// TransportMode selects which wire transport an attempt uses to talk to a
// candidate endpoint.
type TransportMode string

const (
	TransportPlaintext TransportMode = "plaintext"
	TransportNoise     TransportMode = "noise"
)

// Client drives the HELLO -> STATUS -> action sequence against one or
// more candidate endpoints.
type Client struct {
	Self    ident.Identity
	Action  ident.ClientAction
	Timeout time.Duration // 0 means no per-attempt deadline
	Log     *logrus.Logger

	// Transport selects the wire transport; the zero value behaves as
	// TransportPlaintext. TransportNoise requires NoisePattern and
	// ServerStaticPublicKey to be set.
	Transport             TransportMode
	NoisePattern          transport.Pattern
	ServerStaticPublicKey []byte
}

// New constructs a Client.
func New(self ident.Identity, action ident.ClientAction, timeout time.Duration, log *logrus.Logger) *Client {
	return &Client{Self: self, Action: action, Timeout: timeout, Log: log}
}

// Run tries each endpoint in order, returning the first successful
// Result. A per-endpoint failure (dial, timeout, protocol error) is
// collected and iteration continues; if every endpoint fails, Run
// returns a combined error.
func (c *Client) Run(ctx context.Context, endpoints []Endpoint) (Result, error) {
	if len(endpoints) == 0 {
		return Result{}, fmt.Errorf("client: no candidate endpoints")
	}

	var errs []string
	for _, ep := range endpoints {
		res, err := c.attempt(ctx, ep)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ep.Address, err))
			if c.Log != nil {
				c.Log.WithField("endpoint", ep.Address).Debugf("attempt failed: %v", err)
			}
			continue
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("client: all endpoints failed: %s", strings.Join(errs, "; "))
}

func (c *Client) attempt(ctx context.Context, ep Endpoint) (Result, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := transport.Dial(ctx, ep.Address)
	if err != nil {
		return Result{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if c.Transport == TransportNoise {
		sess, err := transport.Handshake(ctx, conn, transport.NoiseConfig{
			Pattern:      c.NoisePattern,
			Initiator:    true,
			RemoteStatic: c.ServerStaticPublicKey,
		})
		if err != nil {
			return Result{}, fmt.Errorf("noise handshake: %w", err)
		}
		return c.runOnConn(ctx, sess)
	}

	return c.runOnConn(ctx, conn)
}

// runOnConn drives the HELLO -> STATUS -> action sequence over an
// already-connected Transport. Split out from attempt so tests can supply
// an in-memory Transport instead of a real UDP socket.
func (c *Client) runOnConn(ctx context.Context, conn transport.Transport) (Result, error) {
	if err := c.handshake(ctx, conn); err != nil {
		return Result{}, err
	}

	status, err := c.ping(ctx, conn)
	if err != nil {
		return Result{}, err
	}

	return c.dispatch(ctx, conn, status)
}

func (c *Client) send(ctx context.Context, conn transport.Transport, cmd ident.Command, payload []byte) (uuid.UUID, error) {
	reqID := uuid.New()
	buf, err := wire.Encode(wire.Frame{
		Command:   cmd,
		RequestID: reqID,
		NodeUUID:  c.Self.NodeUUID,
		UserUUID:  c.Self.UserUUID,
		Payload:   payload,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode %s: %w", cmd, err)
	}
	if err := conn.Send(ctx, buf); err != nil {
		return uuid.Nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	return reqID, nil
}

func (c *Client) recv(ctx context.Context, conn transport.Transport) (wire.Frame, error) {
	buf, err := conn.Recv(ctx)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("recv: %w", err)
	}
	f, err := wire.Decode(buf)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("decode: %w", err)
	}
	return f, nil
}

// handshake sends HELLO and validates that the server advertises protocol
// version 1.
func (c *Client) handshake(ctx context.Context, conn transport.Transport) error {
	helloPayload, err := wire.EncodeHello(wire.HelloPayload{Status: byte(ident.StatusOK), Versions: []uint16{uint16(wire.Version)}})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdHello, helloPayload); err != nil {
		return err
	}

	reply, err := c.recv(ctx, conn)
	if err != nil {
		return err
	}
	if reply.Command != ident.CmdHello {
		return fmt.Errorf("client: %w: expected HELLO reply, got %s", wire.ErrUnsupportedCommand, reply.Command)
	}
	hp, err := wire.DecodeHello(reply.Payload)
	if err != nil {
		return fmt.Errorf("decode hello reply: %w", err)
	}
	for _, v := range hp.Versions {
		if v == uint16(wire.Version) {
			return nil
		}
	}
	return fmt.Errorf("client: %w: server does not advertise version %d", wire.ErrUnsupportedCommand, wire.Version)
}

// ping sends the post-HELLO STATUS and returns the decoded reply.
func (c *Client) ping(ctx context.Context, conn transport.Transport) (wire.StatusPayload, error) {
	statusPayload, err := wire.EncodeStatus(wire.StatusPayload{Status: byte(ident.StatusOK)})
	if err != nil {
		return wire.StatusPayload{}, fmt.Errorf("encode status: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdStatus, statusPayload); err != nil {
		return wire.StatusPayload{}, err
	}
	reply, err := c.recv(ctx, conn)
	if err != nil {
		return wire.StatusPayload{}, err
	}
	if reply.Command != ident.CmdStatus {
		return wire.StatusPayload{}, fmt.Errorf("client: %w: expected STATUS reply, got %s", wire.ErrUnsupportedCommand, reply.Command)
	}
	return wire.DecodeStatus(reply.Payload)
}

func (c *Client) dispatch(ctx context.Context, conn transport.Transport, ping wire.StatusPayload) (Result, error) {
	switch c.Action.Kind {
	case ident.ActionHandshake:
		return Result{Status: ident.Status(ping.Status), Message: ping.Message}, nil
	case ident.ActionPing:
		return Result{Status: ident.Status(ping.Status), Message: ping.Message}, nil
	case ident.ActionPut:
		return c.doPut(ctx, conn)
	case ident.ActionGet:
		return c.doGet(ctx, conn)
	case ident.ActionLocate:
		return c.doLocate(ctx, conn)
	case ident.ActionSync:
		return c.doSync(ctx, conn)
	default:
		return Result{}, fmt.Errorf("client: unknown action kind %v", c.Action.Kind)
	}
}

func (c *Client) doPut(ctx context.Context, conn transport.Transport) (Result, error) {
	payload, err := wire.EncodePut(wire.PutPayload{
		QueuePath:   c.Action.QueuePath,
		ContentType: c.Action.ContentType,
		Data:        c.Action.Data,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode put: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdPut, payload); err != nil {
		return Result{}, err
	}
	reply, err := c.recv(ctx, conn)
	if err != nil {
		return Result{}, err
	}
	if reply.Command != ident.CmdStatus {
		return Result{}, fmt.Errorf("client: %w: expected STATUS ack, got %s", wire.ErrUnsupportedCommand, reply.Command)
	}
	sp, err := wire.DecodeStatus(reply.Payload)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: ident.Status(sp.Status), Message: sp.Message}, nil
}

func (c *Client) doGet(ctx context.Context, conn transport.Transport) (Result, error) {
	payload, err := wire.EncodeGet(wire.GetPayload{QueuePath: c.Action.QueuePath})
	if err != nil {
		return Result{}, fmt.Errorf("encode get: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdGet, payload); err != nil {
		return Result{}, err
	}
	return c.recvPutOrStatus(ctx, conn)
}

func (c *Client) doLocate(ctx context.Context, conn transport.Transport) (Result, error) {
	subject, err := uuid.Parse(c.Action.Subject)
	if err != nil {
		return Result{}, fmt.Errorf("client: parse locate subject: %w", err)
	}
	payload, err := wire.EncodeLocate(wire.LocatePayload{Subject: subject, Kind: wire.LocateNode})
	if err != nil {
		return Result{}, fmt.Errorf("encode locate: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdLocate, payload); err != nil {
		return Result{}, err
	}
	return c.recvPutOrStatus(ctx, conn)
}

func (c *Client) recvPutOrStatus(ctx context.Context, conn transport.Transport) (Result, error) {
	reply, err := c.recv(ctx, conn)
	if err != nil {
		return Result{}, err
	}
	switch reply.Command {
	case ident.CmdPut:
		pp, err := wire.DecodePut(reply.Payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: ident.StatusOK, ContentType: pp.ContentType, Data: pp.Data}, nil
	case ident.CmdStatus:
		sp, err := wire.DecodeStatus(reply.Payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: ident.Status(sp.Status), Message: sp.Message}, nil
	default:
		return Result{}, fmt.Errorf("client: %w: unexpected reply %s", wire.ErrUnsupportedCommand, reply.Command)
	}
}

// doSync sends SEARCH and accumulates the stream of PUT frames until the
// terminating STATUS frame.
func (c *Client) doSync(ctx context.Context, conn transport.Transport) (Result, error) {
	payload, err := wire.EncodeSearch(wire.SearchPayload{QueuePath: c.Action.QueuePath})
	if err != nil {
		return Result{}, fmt.Errorf("encode search: %w", err)
	}
	if _, err := c.send(ctx, conn, ident.CmdSearch, payload); err != nil {
		return Result{}, err
	}

	var frames []wire.Frame
	for {
		reply, err := c.recv(ctx, conn)
		if err != nil {
			return Result{}, err
		}
		switch reply.Command {
		case ident.CmdPut:
			frames = append(frames, reply)
		case ident.CmdStatus:
			sp, err := wire.DecodeStatus(reply.Payload)
			if err != nil {
				return Result{}, err
			}
			return Result{Status: ident.Status(sp.Status), Message: sp.Message, Frames: frames}, nil
		default:
			return Result{}, fmt.Errorf("client: %w: unexpected frame %s mid-stream", wire.ErrUnsupportedCommand, reply.Command)
		}
	}
}
