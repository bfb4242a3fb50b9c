// Package config reads the on-disk property list (`common`/`server`/
// `client` sections, stored as YAML) and materialises a RuntimeOptions-
// shaped Identity from it.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tdelhaise/box/internal/ident"
	"github.com/tdelhaise/box/internal/transport"
	"github.com/tdelhaise/box/pkg/utils"
)

// CommonSection holds the identity material and root-resolver list shared
// by both roles.
type CommonSection struct {
	NodeUUID     string   `mapstructure:"node_uuid" yaml:"node_uuid"`
	UserUUID     string   `mapstructure:"user_uuid" yaml:"user_uuid"`
	RootServers  []string `mapstructure:"root_servers" yaml:"root_servers,omitempty"`
}

// ServerSection holds daemon-only settings.
type ServerSection struct {
	Port             int      `mapstructure:"port" yaml:"port"`
	LogLevel         string   `mapstructure:"log_level" yaml:"log_level"`
	LogTarget        string   `mapstructure:"log_target" yaml:"log_target"`
	Transport        string   `mapstructure:"transport" yaml:"transport"`
	AdminChannel     bool     `mapstructure:"admin_channel" yaml:"admin_channel"`
	PortMapping      bool     `mapstructure:"port_mapping" yaml:"port_mapping"`
	PermanentQueues  []string `mapstructure:"permanent_queues" yaml:"permanent_queues,omitempty"`
	PreShareKey      string   `mapstructure:"pre_share_key" yaml:"-"`
	NoisePattern     string   `mapstructure:"noise_pattern" yaml:"noise_pattern,omitempty"`
	NoisePublicKey   string   `mapstructure:"noise_public_key" yaml:"noise_public_key,omitempty"`
}

// ClientSection holds client-only settings.
type ClientSection struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Port      int    `mapstructure:"port" yaml:"port"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogTarget string `mapstructure:"log_target" yaml:"log_target"`

	// Transport selects the wire transport the client dials with
	// ("plaintext" or "noise"), matching whatever the target server
	// advertises; the client has no negotiation step, so this must be
	// set to agree with the server's own server.transport.
	Transport    string `mapstructure:"transport" yaml:"transport,omitempty"`
	NoisePattern string `mapstructure:"noise_pattern" yaml:"noise_pattern,omitempty"`

	// ServerNoisePublicKey pins the hex-encoded static public key of the
	// root server this client expects under NK or IK. It is
	// operator-configured, copied out of the server's own
	// noise_public_key once, since a client has no other channel to
	// learn it before the first handshake.
	ServerNoisePublicKey string `mapstructure:"server_noise_public_key" yaml:"server_noise_public_key,omitempty"`
}

// File is the full on-disk property list, unmarshalled by viper.
type File struct {
	Common CommonSection `mapstructure:"common" yaml:"common"`
	Server ServerSection `mapstructure:"server" yaml:"server"`
	Client ClientSection `mapstructure:"client" yaml:"client"`
}

// defaultPort is the built-in fallback port, overridable per host via the
// BOX_PORT environment variable before any config file is even read —
// useful for running several test instances on one machine without a
// config file each.
func defaultPort() int {
	return utils.EnvOrDefaultInt("BOX_PORT", 4242)
}

func defaults() File {
	port := defaultPort()
	return File{
		Server: ServerSection{
			Port:         port,
			LogLevel:     "info",
			LogTarget:    "stderr",
			Transport:    "plaintext",
			AdminChannel: true,
		},
		Client: ClientSection{
			Address:   "127.0.0.1",
			Port:      port,
			LogLevel:  "info",
			LogTarget: "stderr",
		},
	}
}

// Load reads path (a YAML property list), merges a sibling ".env" file's
// variables via godotenv (a missing .env is not an error), and unmarshals
// the result into a File. If path does not exist, Load writes a fresh file
// seeded with newly generated identity UUIDs and the built-in defaults.
func Load(path string) (*File, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	f := defaults()
	existed := fileExists(path)
	if existed {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		v.AutomaticEnv()
		_ = v.BindEnv("server.pre_share_key", "PRE_SHARE_KEY")
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "read config")
		}
		if err := v.Unmarshal(&f); err != nil {
			return nil, utils.Wrap(err, "unmarshal config")
		}
	}

	changed := ensureIdentity(&f.Common)
	nkChanged, err := ensureNoisePublicKey(&f.Server)
	if err != nil {
		return nil, utils.Wrap(err, "noise static keypair")
	}
	changed = changed || nkChanged
	if changed || !existed {
		if err := Save(path, f); err != nil {
			return nil, utils.Wrap(err, "persist config")
		}
	}
	return &f, nil
}

// ensureIdentity fills in node_uuid/user_uuid on first run, generating and
// persisting fresh identity UUIDs into the configuration file.
func ensureIdentity(c *CommonSection) bool {
	changed := false
	if _, err := uuid.Parse(c.NodeUUID); err != nil {
		c.NodeUUID = ident.NewNodeUUID().String()
		changed = true
	}
	if _, err := uuid.Parse(c.UserUUID); err != nil {
		c.UserUUID = ident.NewUserUUID().String()
		changed = true
	}
	return changed
}

// ensureNoisePublicKey derives and persists the public half of the Noise
// static keypair from the operator-supplied pre_share_key (read from the
// sibling .env file) whenever the server is configured for the Noise
// transport. Only the public half is written to the YAML file; the
// private half never leaves .env.
func ensureNoisePublicKey(s *ServerSection) (bool, error) {
	if s.Transport != "noise" {
		return false, nil
	}
	if s.PreShareKey == "" {
		return false, fmt.Errorf("server.transport is \"noise\" but pre_share_key is not set; add PRE_SHARE_KEY to the sibling .env file")
	}
	priv, err := hex.DecodeString(s.PreShareKey)
	if err != nil {
		return false, fmt.Errorf("pre_share_key is not valid hex: %w", err)
	}
	pub, err := transport.DerivePublicKey(priv)
	if err != nil {
		return false, err
	}
	hexPub := hex.EncodeToString(pub)
	if s.NoisePublicKey == hexPub {
		return false, nil
	}
	s.NoisePublicKey = hexPub
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Save writes f to path as YAML, creating parent directories with mode
// 0700.
func Save(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return utils.Wrap(err, "create config dir")
	}
	out, err := yaml.Marshal(f)
	if err != nil {
		return utils.Wrap(err, "marshal config")
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return utils.Wrap(err, "write config")
	}
	return nil
}

// Identity extracts the parsed Identity from a loaded File. Called once at
// startup; Load has already guaranteed both fields parse.
func (f *File) Identity() (ident.Identity, error) {
	n, err := ident.ParseNodeUUID(f.Common.NodeUUID)
	if err != nil {
		return ident.Identity{}, fmt.Errorf("config: node_uuid: %w", err)
	}
	u, err := ident.ParseUserUUID(f.Common.UserUUID)
	if err != nil {
		return ident.Identity{}, fmt.Errorf("config: user_uuid: %w", err)
	}
	return ident.Identity{NodeUUID: n, UserUUID: u}, nil
}

// IsPermanentQueue reports whether name is configured as a permanent queue,
// in addition to the always-permanent "whoswho".
func (s ServerSection) IsPermanentQueue(name string) bool {
	if name == "whoswho" {
		return true
	}
	for _, q := range s.PermanentQueues {
		if q == name {
			return true
		}
	}
	return false
}
