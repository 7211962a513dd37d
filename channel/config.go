/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package channel

import (
	"io/ioutil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/shmrdv/shmrdv/internal/shm"
)

const (
	// DefaultCapacity is the slot size used when none is configured.
	DefaultCapacity = shm.DefaultCapacity

	DefaultPollInterval = 100 * time.Millisecond
	DefaultPeerTimeout  = 30 * time.Second
)

// Role selects which side of the lifecycle a process plays. It is
// independent of the direction messages flow in.
type Role int

const (
	// RoleInitializer creates the named resources and removes them on Close.
	RoleInitializer Role = iota
	// RolePeer attaches to resources the initializer created.
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleInitializer:
		return "initializer"
	case RolePeer:
		return "peer"
	default:
		return "Role(" + strconv.Itoa(int(r)) + ")"
	}
}

// ParseRole parses "initializer" (or "init") and "peer".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initializer", "init":
		return RoleInitializer, nil
	case "peer":
		return RolePeer, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfig, "unknown role %q", s)
}

// Config describes one channel instance. The zero value of every field
// except Key selects a default.
type Config struct {
	// Key names the shared region; both parties must agree on it.
	Key string

	// Capacity is the slot size in bytes, terminator included. Only the
	// initializer uses it; the peer adopts the size of the existing region.
	Capacity uint64

	// WriterSem and ReaderSem name the turn semaphores. They default to
	// "<key>.writer" and "<key>.reader".
	WriterSem string
	ReaderSem string

	// Dir holds the named files. Empty selects /dev/shm, falling back to
	// the temporary directory.
	Dir string

	// Header makes the stream open with a single header message. The
	// peer adopts the initializer's setting.
	Header bool

	// PollInterval bounds a single blocking wait; peer liveness is checked
	// between waits.
	PollInterval time.Duration

	// PeerTimeout bounds a whole Send or Receive. Exceeding it reports
	// ErrPeerLost. Negative disables the bound.
	PeerTimeout time.Duration

	// AttachTimeout lets a peer wait for the initializer to create the
	// resources. Zero fails immediately with ErrNotFound.
	AttachTimeout time.Duration

	// KeepStale makes the initializer fail with ErrResourceExists instead of
	// removing resources left behind under the same names.
	KeepStale bool

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// DefaultConfig returns the configuration used for key when nothing else is
// specified.
func DefaultConfig(key string) Config {
	return Config{
		Key:          key,
		Capacity:     DefaultCapacity,
		WriterSem:    key + ".writer",
		ReaderSem:    key + ".reader",
		PollInterval: DefaultPollInterval,
		PeerTimeout:  DefaultPeerTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Key)
	if c.Capacity == 0 {
		c.Capacity = d.Capacity
	}
	if c.WriterSem == "" {
		c.WriterSem = d.WriterSem
	}
	if c.ReaderSem == "" {
		c.ReaderSem = d.ReaderSem
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

func (c Config) pairNames() shm.PairNames {
	return shm.PairNames{Writer: c.WriterSem, Reader: c.ReaderSem}
}

// Validate reports the first problem with the configuration after defaults
// are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if err := shm.ValidateName(c.Key); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "key: %v", err)
	}
	if c.Capacity < shm.MinCapacity || c.Capacity > shm.MaxCapacity {
		return errors.Wrapf(ErrInvalidConfig, "capacity %d outside [%d, %d]", c.Capacity, shm.MinCapacity, shm.MaxCapacity)
	}
	if err := c.pairNames().Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	if c.WriterSem == c.Key || c.ReaderSem == c.Key {
		return errors.Wrapf(ErrInvalidConfig, "semaphore names must differ from the key %q", c.Key)
	}
	if c.AttachTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "negative attach timeout %v", c.AttachTimeout)
	}
	return nil
}

// Address is a parsed shm:// address.
type Address struct {
	Key       string
	Capacity  uint64
	WriterSem string
	ReaderSem string
	Header    bool
}

// ParseAddress parses addresses of the form
// shm://key?cap=1024&writer=name&reader=name&header=1. The capacity accepts
// a unit suffix such as 1KB.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Address{}, errors.Wrapf(ErrInvalidConfig, "parse shm address: %v", err)
	}
	if u.Scheme != "shm" {
		return Address{}, errors.Wrapf(ErrInvalidConfig, "unsupported scheme: %s", u.Scheme)
	}
	key := u.Host
	if key == "" {
		// Allow shm:///key via path
		key = strings.TrimPrefix(u.Path, "/")
	}
	if key == "" {
		return Address{}, errors.Wrap(ErrInvalidConfig, "missing shm key")
	}

	q := u.Query()
	addr := Address{
		Key:       key,
		WriterSem: q.Get("writer"),
		ReaderSem: q.Get("reader"),
	}
	if c := q.Get("cap"); c != "" {
		size, err := ParseSize(c)
		if err != nil {
			return Address{}, err
		}
		addr.Capacity = size
	}
	if h := q.Get("header"); h != "" {
		v, err := strconv.ParseBool(h)
		if err != nil {
			return Address{}, errors.Wrapf(ErrInvalidConfig, "invalid header flag %q", h)
		}
		addr.Header = v
	}
	return addr, nil
}

// String formats the address back into its shm:// form.
func (a Address) String() string {
	q := url.Values{}
	if a.Capacity != 0 {
		q.Set("cap", strconv.FormatUint(a.Capacity, 10))
	}
	if a.WriterSem != "" {
		q.Set("writer", a.WriterSem)
	}
	if a.ReaderSem != "" {
		q.Set("reader", a.ReaderSem)
	}
	if a.Header {
		q.Set("header", "1")
	}
	u := url.URL{Scheme: "shm", Host: a.Key, RawQuery: q.Encode()}
	return u.String()
}

// Apply copies the fields set in the address into cfg.
func (a Address) Apply(cfg *Config) {
	cfg.Key = a.Key
	if a.Capacity != 0 {
		cfg.Capacity = a.Capacity
	}
	if a.WriterSem != "" {
		cfg.WriterSem = a.WriterSem
	}
	if a.ReaderSem != "" {
		cfg.ReaderSem = a.ReaderSem
	}
	if a.Header {
		cfg.Header = true
	}
}

// ParseSize parses a byte size such as "1024", "4KB" or "1MB".
func ParseSize(s string) (uint64, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "invalid size %q: %v", s, err)
	}
	return uint64(size), nil
}

// FileConfig is the on-disk form of Config.
type FileConfig struct {
	Address       string `json:"address,omitempty"`
	Key           string `json:"key,omitempty"`
	Capacity      string `json:"capacity,omitempty"`
	WriterSem     string `json:"writer_sem,omitempty"`
	ReaderSem     string `json:"reader_sem,omitempty"`
	Dir           string `json:"dir,omitempty"`
	Header        bool   `json:"header,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	PeerTimeout   string `json:"peer_timeout,omitempty"`
	AttachTimeout string `json:"attach_timeout,omitempty"`
	KeepStale     bool   `json:"keep_stale,omitempty"`
}

// LoadConfigFile reads a YAML (or JSON) configuration file.
func LoadConfigFile(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "read %s: %v", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.WithMessage(err, path)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML (or JSON) configuration document. Fields that
// are absent keep their zero value so that defaults apply later.
func ParseConfig(data []byte) (Config, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "decode config: %v", err)
	}

	var cfg Config
	if fc.Address != "" {
		addr, err := ParseAddress(fc.Address)
		if err != nil {
			return Config{}, err
		}
		addr.Apply(&cfg)
	}
	if fc.Key != "" {
		cfg.Key = fc.Key
	}
	if fc.Capacity != "" {
		size, err := ParseSize(fc.Capacity)
		if err != nil {
			return Config{}, err
		}
		cfg.Capacity = size
	}
	if fc.WriterSem != "" {
		cfg.WriterSem = fc.WriterSem
	}
	if fc.ReaderSem != "" {
		cfg.ReaderSem = fc.ReaderSem
	}
	cfg.Dir = fc.Dir
	cfg.Header = cfg.Header || fc.Header
	cfg.KeepStale = fc.KeepStale

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"peer_timeout", fc.PeerTimeout, &cfg.PeerTimeout},
		{"attach_timeout", fc.AttachTimeout, &cfg.AttachTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, errors.Wrapf(ErrInvalidConfig, "%s: %v", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}
