package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/skillmesh/skillmesh/internal/util"
)

type Config struct {
	Relay Relay `json:"relay"`
	REST  REST  `json:"rest"`
	Media Media `json:"media"`
	Sync  Sync  `json:"sync"`
	Paths Paths `json:"paths"`
}

type Relay struct {
	// URL of the hosted relay, http(s) or ws(s); http schemes are rewritten
	// to their websocket equivalents at dial time.
	URL string `json:"url"`

	// STUN/TURN server URLs handed to the peer connection. Empty means a
	// public STUN default.
	ICEServers []string `json:"ice_servers"`
}

type REST struct {
	// BaseURL of the platform REST API. Empty runs the core offline: the
	// reconciler serves only what the relay delivers plus the local cache.
	BaseURL string `json:"base_url"`

	// HistoryLimit is the page size when opening a conversation.
	HistoryLimit int `json:"history_limit"`
}

type Media struct {
	// DefaultKind is what startCall uses when the caller does not say:
	// "audio" or "video".
	DefaultKind string `json:"default_kind"`

	// RecordDir enables call recording when non-empty. Relative to DataDir.
	RecordDir string `json:"record_dir"`
}

type Sync struct {
	// TypingTTLSec is how long a typing indicator survives without a stop
	// event.
	TypingTTLSec int `json:"typing_ttl_seconds"`

	// SeenCap bounds each per-category duplicate-event memory.
	SeenCap int `json:"seen_cap"`
}

type Paths struct {
	// DataDir holds the local cache database and recordings.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:        "wss://relay.skillmesh.io/rt",
			ICEServers: nil,
		},
		REST: REST{
			BaseURL:      "https://api.skillmesh.io",
			HistoryLimit: 50,
		},
		Media: Media{
			DefaultKind: "audio",
			RecordDir:   "",
		},
		Sync: Sync{
			TypingTTLSec: 6,
			SeenCap:      512,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Relay
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	if err := validateURL(c.Relay.URL, "ws", "wss", "http", "https"); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}

	// REST
	if b := strings.TrimSpace(c.REST.BaseURL); b != "" {
		if err := validateURL(b, "http", "https"); err != nil {
			return fmt.Errorf("rest.base_url: %w", err)
		}
	}
	if c.REST.HistoryLimit < 1 || c.REST.HistoryLimit > 500 {
		return errors.New("rest.history_limit must be 1..500")
	}

	// Media
	switch c.Media.DefaultKind {
	case "audio", "video":
	default:
		return errors.New(`media.default_kind must be "audio" or "video"`)
	}

	// Sync
	if c.Sync.TypingTTLSec <= 0 {
		return errors.New("sync.typing_ttl_seconds must be > 0")
	}
	if c.Sync.SeenCap < 16 {
		return errors.New("sync.seen_cap must be >= 16")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "/"))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
