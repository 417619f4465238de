package interposed

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/linkstore"
)

const DefaultAdminEndpoint = "127.0.0.1:2727"

type TLSSpec struct {
	// ServerName defaults to the host of the target.
	ServerName         string `yaml:"server_name,omitempty" toml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty"`
}

type ListenerSpec struct {
	// Listen is an endpoint of the form <class>://<addr>, e.g. tcp://127.0.0.1:8080 or unix:///run/interpose.sock
	Listen string `yaml:"listen" toml:"listen"`
	// Target is where every session accepted on Listen is relayed to.
	Target string `yaml:"target" toml:"target"`
	// Outbound is the class used to reach Target. It defaults to the class of Listen.
	Outbound string   `yaml:"outbound,omitempty" toml:"outbound,omitempty"`
	TLS      *TLSSpec `yaml:"tls,omitempty" toml:"tls,omitempty"`
}

type MemoryStoreSpec struct {
	Size int `yaml:"size,omitempty" toml:"size,omitempty"`
}

type RedisStoreSpec struct {
	Addr     string        `yaml:"addr" toml:"addr"`
	Password string        `yaml:"password,omitempty" toml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty" toml:"db,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty" toml:"prefix,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty" toml:"ttl,omitempty"`
}

type LinkStoreSpec struct {
	Memory *MemoryStoreSpec `yaml:"memory,omitempty" toml:"memory,omitempty"`
	Redis  *RedisStoreSpec  `yaml:"redis,omitempty" toml:"redis,omitempty"`
}

type Config struct {
	Admin string `yaml:"admin" toml:"admin"`
	// Loops is the number of event loops per transport family. It defaults to the number of CPUs.
	Loops int `yaml:"loops,omitempty" toml:"loops,omitempty"`
	// MaxSessions limits the concurrent sessions on each stream listener. Zero means no limit.
	MaxSessions int            `yaml:"max_sessions,omitempty" toml:"max_sessions,omitempty"`
	LinkStore   LinkStoreSpec  `yaml:"link_store" toml:"link_store"`
	Listeners   []ListenerSpec `yaml:"listeners" toml:"listeners"`
}

func DefaultConfig() Config {
	return Config{
		Admin: DefaultAdminEndpoint,
		LinkStore: LinkStoreSpec{
			Memory: &MemoryStoreSpec{Size: linkstore.DefaultMemStoreSize},
		},
		Listeners: []ListenerSpec{
			{
				Listen: "tcp://127.0.0.1:8080",
				Target: "127.0.0.1:80",
			},
		},
	}
}

// Validate checks everything in the config which can be checked without side effects.
func (c Config) Validate() error {
	_, err := c.makeListeners()
	if err != nil {
		return err
	}
	if c.LinkStore.Memory != nil && c.LinkStore.Redis != nil {
		return errors.New("link_store: only one of memory or redis may be set")
	}
	if c.LinkStore.Redis != nil && c.LinkStore.Redis.Addr == "" {
		return errors.New("link_store: redis requires addr")
	}
	return nil
}

// MakeParams turns a config into daemon params.
// It connects to the link store, which the daemon closes when it stops.
func MakeParams(ctx context.Context, c Config) (*Params, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	listeners, err := c.makeListeners()
	if err != nil {
		return nil, err
	}
	store, err := makeStore(ctx, c.LinkStore)
	if err != nil {
		return nil, err
	}
	loops := c.Loops
	if loops <= 0 {
		loops = runtime.NumCPU()
	}
	return &Params{
		AdminAddr:   c.Admin,
		Loops:       loops,
		MaxSessions: c.MaxSessions,
		Store:       store,
		Listeners:   listeners,
	}, nil
}

func (c Config) makeListeners() ([]ListenerParams, error) {
	var ret []ListenerParams
	for i, spec := range c.Listeners {
		lp, err := makeListener(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "listeners[%d]", i)
		}
		ret = append(ret, *lp)
	}
	return ret, nil
}

func makeListener(spec ListenerSpec) (*ListenerParams, error) {
	class, addr, err := ParseEndpoint(spec.Listen)
	if err != nil {
		return nil, err
	}
	outbound := class
	if spec.Outbound != "" {
		outbound = channel.Class(spec.Outbound)
	}
	// the outbound channel runs on the inbound channel's loop.
	if outbound != class {
		return nil, errors.Errorf("outbound class %q does not match listener class %q", outbound, class)
	}
	if spec.Target == "" {
		return nil, errors.New("target is required")
	}
	target, err := channel.ResolveAddr(outbound, spec.Target)
	if err != nil {
		return nil, errors.Wrap(err, "resolving target")
	}
	lp := &ListenerParams{
		Class:    class,
		Addr:     addr,
		Target:   target,
		Outbound: outbound,
	}
	if spec.TLS != nil {
		if class == channel.ClassUDP {
			return nil, errors.New("tls is not supported over udp")
		}
		serverName := spec.TLS.ServerName
		if serverName == "" {
			if host, _, err := net.SplitHostPort(spec.Target); err == nil {
				serverName = host
			}
		}
		lp.TLS = &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: spec.TLS.InsecureSkipVerify,
		}
	}
	return lp, nil
}

func makeStore(ctx context.Context, spec LinkStoreSpec) (linkstore.Store, error) {
	switch {
	case spec.Redis != nil:
		return linkstore.NewRedisStore(ctx, linkstore.RedisParams{
			Addr:     spec.Redis.Addr,
			Password: spec.Redis.Password,
			DB:       spec.Redis.DB,
			Prefix:   spec.Redis.Prefix,
			TTL:      spec.Redis.TTL,
		})
	case spec.Memory != nil:
		return linkstore.NewMemStore(spec.Memory.Size), nil
	default:
		return linkstore.NewMemStore(0), nil
	}
}

// ParseEndpoint splits an endpoint of the form <class>://<addr>.
func ParseEndpoint(x string) (channel.Class, string, error) {
	scheme, addr, ok := strings.Cut(x, "://")
	if !ok {
		return "", "", errors.Errorf("endpoint %q is missing a scheme", x)
	}
	class := channel.Class(scheme)
	switch class {
	case channel.ClassTCP, channel.ClassUDP, channel.ClassUTP, channel.ClassUnix:
	default:
		return "", "", errors.Errorf("unsupported endpoint scheme %q", scheme)
	}
	if addr == "" {
		return "", "", errors.Errorf("endpoint %q is missing an address", x)
	}
	return class, addr, nil
}

func isTOML(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".toml")
}

func LoadConfig(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if isTOML(p) {
		if err := toml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", p)
		}
	} else {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", p)
		}
	}
	return c, nil
}

func SaveConfig(config Config, p string) error {
	var data []byte
	if isTOML(p) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(config); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(config); err != nil {
			return err
		}
	}
	return os.WriteFile(p, data, 0o644)
}
