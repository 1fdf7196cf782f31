package fingerprint

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/driftlane/cloakd/internal/database"
)

// Payload is the client-side fingerprint submission. The collection script
// is out of scope; this is its wire format.
type Payload struct {
	Hash      string `json:"hash,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	ScreenWidth    int     `json:"screen_width"`
	ScreenHeight   int     `json:"screen_height"`
	ViewportWidth  int     `json:"viewport_width"`
	ViewportHeight int     `json:"viewport_height"`
	ColorDepth     int     `json:"color_depth"`
	PixelRatio     float64 `json:"pixel_ratio"`

	Timezone       string   `json:"timezone"`
	TimezoneOffset int      `json:"timezone_offset"`
	Language       string   `json:"language"`
	Languages      []string `json:"languages"`
	Platform       string   `json:"platform"`
	Cores          int      `json:"cores"`
	Memory         int      `json:"memory"`
	TouchSupport   bool     `json:"touch_support"`
	CookiesEnabled bool     `json:"cookies_enabled"`

	WebGLVendor    string `json:"webgl_vendor"`
	WebGLRenderer  string `json:"webgl_renderer"`
	WebGLSupported bool   `json:"webgl_supported"`
	CanvasHash     string `json:"canvas_hash"`
	AudioHash      string `json:"audio_hash"`
	PluginCount    int    `json:"plugin_count"`

	MouseMovements int `json:"mouse_movements"`
	Clicks         int `json:"clicks"`
	KeyPresses     int `json:"key_presses"`
	ScrollEvents   int `json:"scroll_events"`

	// Feature probes; absent keys mean the probe did not run
	Features map[string]bool `json:"features,omitempty"`
}

// Store persists and retrieves fingerprints, keeping visit counters and the
// per-hash IP sightings used for farm detection.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log}
}

// Lookup finds a stored fingerprint by opaque visitor id first, then by
// hash. On a hit the visit counter and last-seen are touched fire-and-forget.
func (s *Store) Lookup(visitorID, hash string) (*database.Fingerprint, error) {
	var f *database.Fingerprint
	var err error

	if visitorID != "" {
		f, err = s.db.GetFingerprintByVisitorID(visitorID)
		if err != nil && err != database.ErrNotFound {
			return nil, err
		}
	}
	if f == nil && hash != "" {
		f, err = s.db.GetFingerprintByHash(hash)
		if err != nil && err != database.ErrNotFound {
			return nil, err
		}
	}
	if f == nil {
		return nil, database.ErrNotFound
	}

	go func(id string) {
		if err := s.db.TouchFingerprint(id); err != nil {
			s.log.Warn().Err(err).Str("fingerprint_id", id).Msg("fingerprint touch failed")
		}
	}(f.ID)

	return f, nil
}

// Save stores a new submission, recording the sighting IP. The analysis
// fields are written afterwards by the caller via SaveAnalysis.
func (s *Store) Save(p *Payload, ip string) (*database.Fingerprint, error) {
	hash := p.Hash
	if hash == "" {
		hash = CorrelationHash(p)
	}

	f := &database.Fingerprint{
		Hash:           hash,
		VisitorID:      p.VisitorID,
		ScreenWidth:    p.ScreenWidth,
		ScreenHeight:   p.ScreenHeight,
		ViewportWidth:  p.ViewportWidth,
		ViewportHeight: p.ViewportHeight,
		ColorDepth:     p.ColorDepth,
		PixelRatio:     p.PixelRatio,
		Timezone:       p.Timezone,
		TimezoneOffset: p.TimezoneOffset,
		Language:       p.Language,
		Languages:      p.Languages,
		Platform:       p.Platform,
		Cores:          p.Cores,
		Memory:         p.Memory,
		TouchSupport:   p.TouchSupport,
		CookiesEnabled: p.CookiesEnabled,
		WebGLVendor:    p.WebGLVendor,
		WebGLRenderer:  p.WebGLRenderer,
		WebGLSupported: p.WebGLSupported,
		CanvasHash:     p.CanvasHash,
		AudioHash:      p.AudioHash,
		PluginCount:    p.PluginCount,
		MouseMovements: p.MouseMovements,
		Clicks:         p.Clicks,
		KeyPresses:     p.KeyPresses,
		ScrollEvents:   p.ScrollEvents,
		Features:       p.Features,
	}

	if err := s.db.CreateFingerprint(f); err != nil {
		return nil, fmt.Errorf("fingerprint: save: %w", err)
	}
	if ip != "" {
		if err := s.db.RecordFingerprintIP(hash, ip); err != nil {
			s.log.Warn().Err(err).Str("hash", hash).Msg("record fingerprint ip failed")
		}
	}

	return f, nil
}

// SaveAnalysis writes the analyzer's verdict back onto the stored row.
func (s *Store) SaveAnalysis(id string, result Result) error {
	return s.db.UpdateFingerprintAnalysis(id, result.RiskScore, result.IsSuspicious, result.Flags)
}

// CorrelationHash derives a stable hash from the payload's slow-changing
// fields, used when the client script did not compute one.
func CorrelationHash(p *Payload) string {
	parts := []string{
		p.Platform,
		fmt.Sprintf("%dx%d@%d", p.ScreenWidth, p.ScreenHeight, p.ColorDepth),
		fmt.Sprintf("tz%d", p.TimezoneOffset),
		p.Timezone,
		p.Language,
		strings.Join(p.Languages, ","),
		fmt.Sprintf("c%dm%d", p.Cores, p.Memory),
		p.WebGLVendor,
		p.WebGLRenderer,
		p.CanvasHash,
		p.AudioHash,
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}
