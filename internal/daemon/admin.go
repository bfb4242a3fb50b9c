package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tdelhaise/box/internal/config"
	"github.com/tdelhaise/box/internal/location"
)

// adminSocketName is the fixed filename of the admin channel's Unix
// domain socket within the store's root directory.
const adminSocketName = "admin.sock"

// adminServer is the admin channel: a Unix domain socket carrying
// line-delimited JSON requests and responses. Access control is by
// filesystem permissions alone — only the owning user may connect — so
// the socket file and its parent directory are created with owner-only
// mode.
type adminServer struct {
	d        *Daemon
	listener net.Listener
	path     string
}

func newAdminServer(d *Daemon, rootDir string) (*adminServer, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, fmt.Errorf("admin: mkdir: %w", err)
	}
	path := filepath.Join(rootDir, adminSocketName)
	_ = os.Remove(path) // stale socket from a prior, unclean shutdown

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("admin: listen: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("admin: chmod: %w", err)
	}
	return &adminServer{d: d, listener: ln, path: path}, nil
}

func (a *adminServer) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go a.handleConn(conn)
	}
}

func (a *adminServer) Close() {
	a.listener.Close()
	_ = os.Remove(a.path)
}

// adminRequest is one line of the admin protocol.
type adminRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// adminResponse is the reply to one adminRequest.
type adminResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (a *adminServer) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req adminRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(adminResponse{Status: "badRequest", Message: err.Error()})
			continue
		}
		resp := a.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (a *adminServer) dispatch(req adminRequest) adminResponse {
	switch req.Command {
	case "ping":
		return adminResponse{Status: "ok", Message: "pong"}
	case "status":
		return a.status()
	case "log-target":
		return a.logTarget(req.Args)
	case "reload-config":
		return a.reloadConfig()
	case "stats":
		return a.stats()
	case "nat-probe":
		return a.natProbe()
	case "locate":
		return a.locate(req.Args)
	case "location-summary":
		return a.locationSummary()
	default:
		return adminResponse{Status: "badRequest", Message: fmt.Sprintf("unknown admin command %q", req.Command)}
	}
}

func (a *adminServer) status() adminResponse {
	d := a.d
	metrics, err := d.store.Metrics()
	if err != nil {
		return adminResponse{Status: "internalError", Message: err.Error()}
	}
	return adminResponse{Status: "ok", Data: map[string]interface{}{
		"bound_address": d.listen.LocalAddr().String(),
		"port":          d.file.Server.Port,
		"node_uuid":     d.self.NodeUUID.String(),
		"user_uuid":     d.self.UserUUID.String(),
		"transport":     d.file.Server.Transport,
		"build":         d.build.String(),
		"queue_count":   metrics.QueueCount,
		"object_count":  metrics.ObjectCount,
		"free_bytes":    metrics.FreeBytes,
	}}
}

func (a *adminServer) logTarget(args []string) adminResponse {
	if len(args) != 1 {
		return adminResponse{Status: "badRequest", Message: "log-target requires exactly one argument"}
	}
	setLogTarget(a.d.log, args[0])
	a.d.mu.Lock()
	a.d.file.Server.LogTarget = args[0]
	a.d.mu.Unlock()
	return adminResponse{Status: "ok", Message: fmt.Sprintf("log target switched to %s", args[0])}
}

func (a *adminServer) reloadConfig() adminResponse {
	d := a.d
	f, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		d.mu.Lock()
		d.lastReload = err.Error()
		d.mu.Unlock()
		return adminResponse{Status: "internalError", Message: err.Error()}
	}

	configureLogging(d.log, f.Server.LogLevel, f.Server.LogTarget)

	d.mu.Lock()
	d.file = f
	d.reloadCount++
	d.lastReload = "ok"
	count := d.reloadCount
	d.mu.Unlock()

	return adminResponse{Status: "ok", Message: fmt.Sprintf("reloaded (count=%d)", count)}
}

func (a *adminServer) stats() adminResponse {
	d := a.d
	metrics, err := d.store.Metrics()
	if err != nil {
		return adminResponse{Status: "internalError", Message: err.Error()}
	}
	d.mu.Lock()
	reloadCount, lastReload := d.reloadCount, d.lastReload
	d.mu.Unlock()

	return adminResponse{Status: "ok", Data: map[string]interface{}{
		"reload_count": reloadCount,
		"last_reload":  lastReload,
		"queue_count":  metrics.QueueCount,
		"object_count": metrics.ObjectCount,
		"free_bytes":   metrics.FreeBytes,
	}}
}

func (a *adminServer) natProbe() adminResponse {
	d := a.d
	if d.natMgr == nil {
		return adminResponse{Status: "ok", Data: map[string]interface{}{"methods": []string{}, "mapped": false}}
	}
	return adminResponse{Status: "ok", Data: map[string]interface{}{
		"methods":      []string{"nat-pmp", "upnp-igdv1"},
		"mapped":       d.natMgr.MappedPort() != 0,
		"external_ip":  d.natMgr.ExternalIP().String(),
		"mapped_port":  d.natMgr.MappedPort(),
	}}
}

func (a *adminServer) locate(args []string) adminResponse {
	if len(args) != 1 {
		return adminResponse{Status: "badRequest", Message: "locate requires exactly one uuid argument"}
	}
	subject, err := uuid.Parse(args[0])
	if err != nil {
		return adminResponse{Status: "badRequest", Message: err.Error()}
	}

	if rec, ok, err := a.d.loc.ResolveNode(subject); err != nil {
		return adminResponse{Status: "internalError", Message: err.Error()}
	} else if ok {
		return adminResponse{Status: "ok", Data: rec}
	}

	owned, ok, err := a.d.loc.ResolveUser(subject)
	if err != nil {
		return adminResponse{Status: "internalError", Message: err.Error()}
	}
	if !ok {
		return adminResponse{Status: "notFound"}
	}
	return adminResponse{Status: "ok", Data: owned}
}

func (a *adminServer) locationSummary() adminResponse {
	summary, err := a.d.loc.BuildSummary(location.DefaultStaleThreshold, time.Now().UTC().UnixMilli())
	if err != nil {
		return adminResponse{Status: "internalError", Message: err.Error()}
	}
	return adminResponse{Status: "ok", Data: summary}
}
