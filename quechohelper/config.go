package quechohelper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"

	"git.sr.ht/~rumpelsepp/quecho"
)

// FileConfig is the content of a quecho configuration file. Every value is
// optional; flags of the binaries take precedence.
type FileConfig struct {
	Server   ServerConfig   `toml:"server"`
	Client   ClientConfig   `toml:"client"`
	Log      LogOptions     `toml:"log"`
	Identity IdentityConfig `toml:"identity"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
	// Mode is "echo" or "ack".
	Mode        string           `toml:"mode"`
	Ack         string           `toml:"ack"`
	MetricsAddr string           `toml:"metrics"`
	Transport   TransportOptions `toml:"transport"`
}

type ClientConfig struct {
	Remote     string           `toml:"remote"`
	Bind       string           `toml:"bind"`
	ServerName string           `toml:"server_name"`
	Trust      string           `toml:"trust"`
	PinFile    string           `toml:"pin_file"`
	Transport  TransportOptions `toml:"transport"`
}

type IdentityConfig struct {
	// Root replaces the user configuration directory as storage location.
	Root string `toml:"root"`
}

// TransportOptions holds the tunables of quecho.Config. Durations use the
// time.ParseDuration syntax.
type TransportOptions struct {
	Network              string `toml:"network"`
	IdleTimeout          string `toml:"idle_timeout"`
	KeepAlive            string `toml:"keep_alive"`
	HandshakeTimeout     string `toml:"handshake_timeout"`
	MaxRequestSize       int    `toml:"max_request_size"`
	MaxConcurrentStreams int    `toml:"max_concurrent_streams"`
	TCPFastOpen          bool   `toml:"tcp_fast_open"`
}

// DefaultConfigPath is <user config dir>/quecho/config.toml.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quecho", "config.toml")
}

// ReadConfig reads and parses the TOML file at path.
func ReadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	conf, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	Logger.Debug().Str("path", path).Msg("read config")

	return conf, nil
}

// LoadConfig is ReadConfig, except that a missing file yields an empty
// configuration unless required is set.
func LoadConfig(path string, required bool) (*FileConfig, error) {
	if path == "" {
		return &FileConfig{}, nil
	}

	conf, err := ReadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return &FileConfig{}, nil
		}
		return nil, err
	}
	return conf, nil
}

func ParseConfig(data []byte) (*FileConfig, error) {
	var conf FileConfig
	if err := toml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Apply copies every set option into c.
func (o TransportOptions) Apply(c *quecho.Config) error {
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"idle_timeout", o.IdleTimeout, &c.IdleTimeout},
		{"keep_alive", o.KeepAlive, &c.KeepAlive},
		{"handshake_timeout", o.HandshakeTimeout, &c.HandshakeTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	if o.MaxRequestSize > 0 {
		c.MaxRequestSize = o.MaxRequestSize
	}
	if o.MaxConcurrentStreams > 0 {
		c.MaxConcurrentStreams = o.MaxConcurrentStreams
	}
	if o.TCPFastOpen {
		c.TCPFastOpen = true
	}

	return nil
}
