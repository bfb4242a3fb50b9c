// Command box is the single binary that plays both roles: "box --server"
// runs the daemon, and every other invocation drives the client state
// machine through one action against a remote peer.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tdelhaise/box/internal/client"
	"github.com/tdelhaise/box/internal/config"
	"github.com/tdelhaise/box/internal/daemon"
	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/transport"
	"github.com/tdelhaise/box/pkg/utils"
)

// buildVersion, buildCommit are overridden at link time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

type globalFlags struct {
	configPath         string
	address            string
	port               int
	logLevel           string
	logTarget          string
	server             bool
	enablePortMapping  bool
	noEnablePortMapping bool
	timeoutSeconds     int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "box",
		Short: "A self-hosted, user-owned presence and object-storage node",
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "path to the property-list configuration file")
	root.PersistentFlags().StringVar(&flags.address, "address", "", "bind address (server) or target address (client)")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "UDP port (0 uses the configured default)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (panic, fatal, error, warn, info, debug, trace)")
	root.PersistentFlags().StringVar(&flags.logTarget, "log-target", "", "log sink override (stderr, stdout, file:<path>)")
	root.PersistentFlags().IntVar(&flags.timeoutSeconds, "timeout", utils.EnvOrDefaultInt("BOX_TIMEOUT_SECONDS", 10), "per-attempt client timeout, in seconds")
	root.PersistentFlags().BoolVar(&flags.server, "server", false, "run as the server (daemon) role instead of the client")
	root.PersistentFlags().BoolVar(&flags.enablePortMapping, "enable-port-mapping", false, "force NAT port mapping on regardless of configuration")
	root.PersistentFlags().BoolVar(&flags.noEnablePortMapping, "no-enable-port-mapping", false, "force NAT port mapping off regardless of configuration")

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runDefault(cmd, flags)
	}

	root.AddCommand(newPutCommand(flags))
	root.AddCommand(newGetCommand(flags))
	root.AddCommand(newLocateCommand(flags))
	root.AddCommand(newSyncCommand(flags))
	root.AddCommand(newAdminCommand(flags))

	return root
}

// defaultConfigPath honours BOX_CONFIG if set, otherwise derives
// ~/.box/config from the user's home directory.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	fallback := ".box/config"
	if err == nil {
		fallback = home + "/.box/config"
	}
	return utils.EnvOrDefault("BOX_CONFIG", fallback)
}

// runDefault handles `box` (no subcommand): server role runs the daemon,
// client role with no action performs a bare handshake+ping.
func runDefault(cmd *cobra.Command, flags *globalFlags) error {
	if flags.server {
		return runServer(cmd, flags)
	}
	return runClientAction(cmd, flags, ident.ClientAction{Kind: ident.ActionPing})
}

func loadRuntime(flags *globalFlags) (*config.File, ident.Identity, error) {
	f, err := config.Load(flags.configPath)
	if err != nil {
		return nil, ident.Identity{}, fmt.Errorf("box: load config: %w", err)
	}
	self, err := f.Identity()
	if err != nil {
		return nil, ident.Identity{}, fmt.Errorf("box: parse identity: %w", err)
	}
	return f, self, nil
}

func newLogger(level, target string) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	switch {
	case target == "stdout":
		log.SetOutput(os.Stdout)
	case len(target) > len("file:") && target[:len("file:")] == "file:":
		f, err := os.OpenFile(target[len("file:"):], os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			log.SetOutput(os.Stderr)
			break
		}
		log.SetOutput(f)
	default:
		log.SetOutput(os.Stderr)
	}
	return log
}

func runServer(cmd *cobra.Command, flags *globalFlags) error {
	f, self, err := loadRuntime(flags)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		f.Server.LogLevel = flags.logLevel
	}
	if flags.logTarget != "" {
		f.Server.LogTarget = flags.logTarget
	}
	if flags.port != 0 {
		f.Server.Port = flags.port
	}

	opts := ident.RuntimeOptions{
		Role:       ident.RoleServer,
		ConfigPath: flags.configPath,
		Address:    flags.address,
		Port:       f.Server.Port,
		LogLevel:   f.Server.LogLevel,
		LogTarget:  f.Server.LogTarget,
	}
	if flags.enablePortMapping {
		v := true
		opts.PortMappingOverride = &v
	} else if flags.noEnablePortMapping {
		v := false
		opts.PortMappingOverride = &v
	}

	log := newLogger(f.Server.LogLevel, f.Server.LogTarget)
	build := ident.BuildInfo{Version: buildVersion, Commit: buildCommit, GoVersion: goVersionString()}

	d := daemon.New(opts, f, self, build, log)

	rootDir := storeRootDir(flags.configPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx, rootDir); err != nil {
		return fmt.Errorf("box: start daemon: %w", err)
	}
	defer d.Stop()

	log.Infof("%s listening on %s:%d", build.String(), opts.Address, f.Server.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}

// storeRootDir derives the on-disk store root from the config path's
// directory (e.g. ~/.box/config -> ~/.box/store).
func storeRootDir(configPath string) string {
	dir := configPath
	for i := len(dir) - 1; i >= 0; i-- {
		if dir[i] == '/' {
			return dir[:i] + "/store"
		}
	}
	return "./store"
}

func goVersionString() string {
	return "go1.24"
}

func runClientAction(cmd *cobra.Command, flags *globalFlags, action ident.ClientAction) error {
	f, self, err := loadRuntime(flags)
	if err != nil {
		return err
	}

	log := newLogger(orDefault(flags.logLevel, f.Client.LogLevel), orDefault(flags.logTarget, f.Client.LogTarget))
	c := client.New(self, action, time.Duration(flags.timeoutSeconds)*time.Second, log)
	if err := applyClientTransport(c, f); err != nil {
		return fmt.Errorf("box: %w", err)
	}

	endpoints := candidateEndpoints(flags, f)
	res, err := c.Run(cmd.Context(), endpoints)
	if err != nil {
		return fmt.Errorf("box: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", res.Status)
	if res.Message != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "message: %s\n", res.Message)
	}
	if len(res.Data) > 0 {
		cmd.OutOrStdout().Write(res.Data)
		fmt.Fprintln(cmd.OutOrStdout())
	}
	for _, fr := range res.Frames {
		fmt.Fprintf(cmd.OutOrStdout(), "-- %s --\n", fr.RequestID)
	}
	return nil
}

// candidateEndpoints orders endpoints to try, most preferred first:
// explicit CLI address, then the configured client address, then the
// configured root servers (order shuffled so repeated runs don't all
// hammer the same root first), then a last-resort local fallback used
// only when none of the above yielded a single candidate.
func candidateEndpoints(flags *globalFlags, f *config.File) []client.Endpoint {
	var eps []client.Endpoint
	if flags.address != "" {
		port := flags.port
		if port == 0 {
			port = f.Client.Port
		}
		eps = append(eps, client.Endpoint{Address: fmt.Sprintf("%s:%d", flags.address, port)})
	}
	if f.Client.Address != "" {
		eps = append(eps, client.Endpoint{Address: fmt.Sprintf("%s:%d", f.Client.Address, f.Client.Port)})
	}
	roots := append([]string(nil), f.Common.RootServers...)
	rand.Shuffle(len(roots), func(i, j int) { roots[i], roots[j] = roots[j], roots[i] })
	for _, rs := range roots {
		eps = append(eps, client.Endpoint{Address: rs})
	}
	if len(eps) == 0 {
		eps = append(eps, client.Endpoint{Address: fmt.Sprintf("127.0.0.1:%d", f.Client.Port)})
	}
	return eps
}

// applyClientTransport configures c from f.Client's transport settings,
// selecting the Noise transport when configured and rejecting a missing
// or malformed server public key up front rather than failing deep inside
// the handshake.
func applyClientTransport(c *client.Client, f *config.File) error {
	if f.Client.Transport != "noise" {
		return nil
	}
	if f.Client.ServerNoisePublicKey == "" {
		return fmt.Errorf("client.transport is \"noise\" but client.server_noise_public_key is not set")
	}
	pub, err := hex.DecodeString(f.Client.ServerNoisePublicKey)
	if err != nil {
		return fmt.Errorf("client.server_noise_public_key is not valid hex: %w", err)
	}
	pattern := transport.PatternNK
	if f.Client.NoisePattern == string(transport.PatternIK) {
		pattern = transport.PatternIK
	}
	c.Transport = client.TransportNoise
	c.NoisePattern = pattern
	c.ServerStaticPublicKey = pub
	return nil
}

func orDefault(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
