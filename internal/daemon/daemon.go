// Package daemon is the runtime controller: lifecycle orchestration for
// the server role. It binds the UDP socket, bootstraps the queue store
// and Location Service, runs the inbound dispatch loop, the periodic
// refresh task, and the admin channel, and tears everything down in
// reverse order on shutdown.
package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/tdelhaise/box/internal/config"
	"github.com/tdelhaise/box/internal/dispatch"
	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/location"
	"github.com/tdelhaise/box/internal/nat"
	"github.com/tdelhaise/box/internal/store"
	"github.com/tdelhaise/box/internal/transport"
	"github.com/tdelhaise/box/internal/wire"
)

// RefusePrivileged enforces the non-root rule: the daemon refuses to
// bind as OS user id 0.
func RefusePrivileged(uid int) error {
	if uid == 0 {
		return fmt.Errorf("daemon: refusing to run as root (uid 0)")
	}
	return nil
}

// Daemon owns every long-lived subsystem of the server role.
type Daemon struct {
	opts   ident.RuntimeOptions
	file   *config.File
	self   ident.Identity
	build  ident.BuildInfo
	log    *logrus.Logger
	store  *store.Store
	loc    *location.Coordinator
	disp   *dispatch.Dispatcher
	listen   *transport.Listener
	natMgr   *nat.Manager
	noiseCfg *transport.NoiseConfig // nil selects the plaintext baseline

	admin *adminServer

	reloadCount int
	lastReload  string
	mu          sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Daemon from already-loaded configuration. It performs
// no I/O itself; Start does.
func New(opts ident.RuntimeOptions, file *config.File, self ident.Identity, build ident.BuildInfo, log *logrus.Logger) *Daemon {
	return &Daemon{opts: opts, file: file, self: self, build: build, log: log}
}

// Start binds the socket, provisions INBOX, wires the dispatcher, probes
// NAT connectivity, and launches the background loops. It returns once
// everything is up; callers should defer Stop.
func (d *Daemon) Start(ctx context.Context, rootDir string) error {
	if err := RefusePrivileged(os.Getuid()); err != nil {
		return err
	}
	configureLogging(d.log, d.file.Server.LogLevel, d.file.Server.LogTarget)

	d.store = store.New(rootDir, d.file.Server.PermanentQueues)
	if err := d.store.EnsureQueue(store.InboxQueue); err != nil {
		return fmt.Errorf("daemon: provision INBOX: %w", err)
	}
	d.loc = location.New(d.store)
	d.disp = dispatch.New(d.store, d.loc, d.self, d.build, d.log)

	addr := fmt.Sprintf("%s:%d", d.opts.Address, d.file.Server.Port)
	listen, err := transport.ListenUDP(addr)
	if err != nil {
		return fmt.Errorf("daemon: bind: %w", err)
	}
	d.listen = listen

	if d.file.Server.Transport == "noise" {
		cfg, err := noiseServerConfig(d.file.Server)
		if err != nil {
			return fmt.Errorf("daemon: noise transport: %w", err)
		}
		d.noiseCfg = &cfg
	}

	origin := location.OriginDefault
	portMappingEnabled := d.file.Server.PortMapping
	if d.opts.PortMappingOverride != nil {
		origin = location.OriginCLI
		portMappingEnabled = *d.opts.PortMappingOverride
	} else if d.file.Server.PortMapping {
		origin = location.OriginConfig
	}
	connectivity, natMgr := nat.Probe(portMappingEnabled, origin, d.file.Server.Port)
	d.natMgr = natMgr
	if !connectivity.Enabled && portMappingEnabled && d.log != nil {
		d.log.Warn("NAT port mapping failed; continuing with connectivity disabled")
	}

	if err := d.publishSelf(connectivity); err != nil {
		return fmt.Errorf("daemon: publish initial node record: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.serveLoop(runCtx)

	d.wg.Add(1)
	go d.refreshLoop(runCtx, connectivity)

	if d.file.Server.AdminChannel {
		admin, err := newAdminServer(d, rootDir)
		if err != nil {
			cancel()
			return fmt.Errorf("daemon: admin channel: %w", err)
		}
		d.admin = admin
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			admin.serve(runCtx)
		}()
	}

	return nil
}

// Stop tears the daemon down in reverse lifecycle order: admin channel,
// refresh loop, dispatch loop, NAT unmap, socket close.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.admin != nil {
		d.admin.Close()
	}
	if d.natMgr != nil {
		_ = d.natMgr.Unmap()
	}
	if d.listen != nil {
		_ = d.listen.Close()
	}
}

// noiseServerConfig builds the responder-side Noise configuration from
// the operator-supplied pre_share_key, which config.Load has already
// validated as decodable hex and used to derive server.noise_public_key.
func noiseServerConfig(s config.ServerSection) (transport.NoiseConfig, error) {
	priv, err := hex.DecodeString(s.PreShareKey)
	if err != nil {
		return transport.NoiseConfig{}, fmt.Errorf("pre_share_key: %w", err)
	}
	pub, err := hex.DecodeString(s.NoisePublicKey)
	if err != nil {
		return transport.NoiseConfig{}, fmt.Errorf("noise_public_key: %w", err)
	}
	pattern := transport.PatternNK
	if s.NoisePattern == string(transport.PatternIK) {
		pattern = transport.PatternIK
	}
	return transport.NoiseConfig{
		Pattern:       pattern,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: priv, Public: pub},
	}, nil
}

func (d *Daemon) serveLoop(ctx context.Context) {
	defer d.wg.Done()
	if d.noiseCfg != nil {
		d.serveLoopNoise(ctx)
		return
	}
	d.serveLoopPlaintext(ctx)
}

// serveLoopNoise demultiplexes the shared socket by remote address,
// handing each newly seen peer its own Noise responder handshake and
// dispatch goroutine over a transport.PeerConn. Per-peer state is never
// evicted, so a long-lived daemon talking to many distinct peers grows
// this map without bound; that is a known simplification, not an eviction
// pass this rewrite implements yet.
func (d *Daemon) serveLoopNoise(ctx context.Context) {
	peers := make(map[string]*transport.PeerConn)
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf, addr, err := d.listen.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		key := addr.String()
		mu.Lock()
		pc, ok := peers[key]
		if !ok {
			pc = transport.NewPeerConn(d.listen, addr)
			peers[key] = pc
			d.wg.Add(1)
			go d.handleNoisePeer(ctx, pc, key)
		}
		mu.Unlock()
		pc.Deliver(buf)
	}
}

// handleNoisePeer performs one Noise responder handshake over pc and then
// drives the same decode/dispatch/encode sequence as the plaintext loop,
// but on pc's decrypted byte stream instead of raw datagrams.
func (d *Daemon) handleNoisePeer(ctx context.Context, pc *transport.PeerConn, key string) {
	defer d.wg.Done()

	sess, err := transport.Handshake(ctx, pc, *d.noiseCfg)
	if err != nil {
		if d.log != nil {
			d.log.Debugf("noise handshake with %s failed: %v", key, err)
		}
		return
	}

	s := &dispatch.Session{}
	for {
		buf, err := sess.Recv(ctx)
		if err != nil {
			return
		}
		f, err := wire.Decode(buf)
		if err != nil {
			if d.log != nil {
				d.log.Debugf("dropping malformed frame from %s: %v", key, err)
			}
			continue
		}

		replies := d.disp.Handle(s, f, dispatch.RemotePeer{Address: key})
		for _, reply := range replies {
			out, err := wire.Encode(reply)
			if err != nil {
				continue
			}
			_ = sess.Send(ctx, out)
		}
	}
}

func (d *Daemon) serveLoopPlaintext(ctx context.Context) {
	sess := make(map[string]*dispatch.Session)
	var sessMu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf, addr, err := d.listen.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		f, err := wire.Decode(buf)
		if err != nil {
			if d.log != nil {
				d.log.Debugf("dropping malformed frame from %s: %v", addr, err)
			}
			continue
		}

		key := addr.String()
		sessMu.Lock()
		s, ok := sess[key]
		if !ok {
			s = &dispatch.Session{}
			sess[key] = s
		}
		sessMu.Unlock()

		replies := d.disp.Handle(s, f, dispatch.RemotePeer{Address: key})
		for _, reply := range replies {
			out, err := wire.Encode(reply)
			if err != nil {
				continue
			}
			_ = d.listen.WriteTo(ctx, out, addr)
		}
	}
}

// refreshLoop republishes the local node record every RefreshInterval
// seconds.
func (d *Daemon) refreshLoop(ctx context.Context, connectivity location.Connectivity) {
	defer d.wg.Done()
	ticker := time.NewTicker(location.RefreshInterval * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.publishSelf(connectivity); err != nil && d.log != nil {
				d.log.Warnf("periodic refresh failed: %v", err)
			}
			if d.log != nil {
				if summary, err := d.loc.BuildSummary(location.DefaultStaleThreshold, time.Now().UTC().UnixMilli()); err == nil {
					d.log.Infof("location summary: %d/%d nodes active", summary.ActiveNodes, summary.TotalNodes)
				}
			}
		}
	}
}

func (d *Daemon) publishSelf(connectivity location.Connectivity) error {
	now := time.Now().UTC().UnixMilli()
	return d.loc.Publish(location.NodeRecord{
		NodeUUID:     location.ToUUID(d.self.NodeUUID),
		UserUUID:     location.ToUserUUID(d.self.UserUUID),
		Online:       true,
		Since:        now,
		LastSeen:     now,
		Connectivity: connectivity,
	})
}

func configureLogging(log *logrus.Logger, level, target string) {
	if log == nil {
		return
	}
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	setLogTarget(log, target)
}

func setLogTarget(log *logrus.Logger, target string) {
	if log == nil {
		return
	}
	switch target {
	case "", "stderr":
		log.SetOutput(os.Stderr)
	case "stdout":
		log.SetOutput(os.Stdout)
	default:
		if len(target) > len("file:") && target[:5] == "file:" {
			path := target[5:]
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				log.Warnf("log-target %s: %v; keeping current output", target, err)
				return
			}
			log.SetOutput(f)
		}
	}
}
