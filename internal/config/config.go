// Package config holds the TOML configuration of the relay server and of
// the client node.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"e2e_engine/internal/cryptographic/signature"

	"github.com/BurntSushi/toml"
)

const (
	defaultListen           = "localhost:9090"
	defaultMongoURI         = "mongodb://localhost:27017"
	defaultMongoDatabase    = "e2e_engine"
	defaultRedisAddr        = "localhost:6379"
	defaultOfflineTTL       = 7 * 24 * time.Hour
	defaultChallengeTimeout = 10 * time.Second
	defaultMaxMessageSize   = 1 << 20
	defaultDataFile         = "engine.db"
	defaultCurve            = "Ed25519"
	defaultRequestTimeout   = 10 * time.Second
	defaultClientLog        = "client.log"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type (
	Logging struct {
		Development bool
		// Level is a zap level name; empty keeps the mode's default.
		Level string
		// File receives the log instead of stderr when set.
		File string
	}

	Mongo struct {
		URI      string
		Database string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
		// OfflineTTL is how long undelivered messages wait for their device.
		OfflineTTL time.Duration
	}

	Server struct {
		Listen string
		// PublicURL is the server URL carried by the identities it hosts.
		PublicURL        string
		ChallengeTimeout time.Duration
		MaxMessageSize   int64
		Mongo            Mongo
		Redis            Redis
		Logging          Logging
	}

	Client struct {
		ServerURL      string
		DataFile       string
		Curve          string
		RequestTimeout time.Duration
		Logging        Logging
	}
)

func (c *Server) FixupAndValidate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://" + c.Listen
	}
	if err := validateURL(c.PublicURL); err != nil {
		return err
	}
	if c.ChallengeTimeout == 0 {
		c.ChallengeTimeout = defaultChallengeTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.ChallengeTimeout < 0 || c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = defaultMongoURI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = defaultMongoDatabase
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultRedisAddr
	}
	if c.Redis.OfflineTTL == 0 {
		c.Redis.OfflineTTL = defaultOfflineTTL
	}
	if c.Redis.DB < 0 || c.Redis.OfflineTTL < 0 {
		return fmt.Errorf("%w: bad redis settings", ErrInvalidConfig)
	}
	return nil
}

func (c *Client) FixupAndValidate() error {
	if c.ServerURL == "" {
		c.ServerURL = "http://" + defaultListen
	}
	if err := validateURL(c.ServerURL); err != nil {
		return err
	}
	if c.DataFile == "" {
		c.DataFile = defaultDataFile
	}
	if c.Curve == "" {
		c.Curve = defaultCurve
	}
	if _, err := signature.ParseCurve(c.Curve); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Logging.File == "" {
		// the terminal belongs to the chat window
		c.Logging.File = defaultClientLog
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: negative request timeout", ErrInvalidConfig)
	}
	return nil
}

// CurveID is only meaningful after FixupAndValidate.
func (c *Client) CurveID() signature.CurveID {
	id, _ := signature.ParseCurve(c.Curve)
	return id
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q is not an http(s) url", ErrInvalidConfig, raw)
	}
	return nil
}

func LoadServer(b []byte) (*Server, error) {
	cfg := new(Server)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient(b []byte) (*Client, error) {
	cfg := new(Client)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerFile returns the defaults when path is empty.
func LoadServerFile(path string) (*Server, error) {
	b, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return LoadServer(b)
}

// LoadClientFile returns the defaults when path is empty.
func LoadClientFile(path string) (*Client, error) {
	b, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	return LoadClient(b)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// Outputs are the zap sinks for this logging section.
func (l Logging) Outputs() []string {
	if l.File == "" {
		return nil
	}
	return []string{l.File}
}

// Write encodes cfg as TOML, used to seed a config file.
func Write(w io.Writer, cfg any) error {
	return toml.NewEncoder(w).Encode(cfg)
}
