package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const (
	MinServerTags = 3
	MaxServerTags = 10
)

// ServerTagVocabulary is the closed set of gameplay tags a server may carry.
var ServerTagVocabulary = []string{
	"survival", "creative", "skyblock", "pvp", "minigames", "factions",
	"prison", "towny", "anarchy", "vanilla", "modded", "hardcore",
	"bedwars", "parkour", "economy", "roleplay", "crossplay", "smp",
	"pixelmon", "kitpvp",
}

type Server struct {
	bun.BaseModel `bun:"table:servers,alias:s"`

	ID          int64  `bun:"id,pk,autoincrement"`
	UserID      string `bun:"user_id,notnull"`
	Name        string `bun:"name,notnull"`
	Description string `bun:"description,notnull,default:''"`

	JavaHost    string `bun:"java_host"`
	JavaPort    uint16 `bun:"java_port"`
	BedrockHost string `bun:"bedrock_host"`
	BedrockPort uint16 `bun:"bedrock_port"`

	Country string `bun:"country"`
	Version string `bun:"version"`

	VotifierHost  string `bun:"votifier_host"`
	VotifierPort  uint16 `bun:"votifier_port"`
	VotifierToken string `bun:"votifier_token"`

	Website string `bun:"website"`
	Discord string `bun:"discord"`

	BannerChecksum string `bun:"banner_checksum"`
	BannerExt      string `bun:"banner_ext"`
	IconChecksum   string `bun:"icon_checksum"`

	Tags []string `bun:"tags,array"`

	IsOnline     bool      `bun:"is_online,notnull,default:false"`
	Players      int64     `bun:"players,notnull,default:0"`
	MaxPlayers   int64     `bun:"max_players,notnull,default:0"`
	LastPingedAt time.Time `bun:"last_pinged_at,nullzero"`
	Uptime       float64   `bun:"uptime,notnull,default:100"`

	// Soft delete. Rows are never removed, only hidden.
	FlaggedForDeletion bool      `bun:"flagged_for_deletion,notnull,default:false"`
	DeletedAt          time.Time `bun:"deleted_at,nullzero"`

	// search_text feeds the tsvector index; maintained on every write from
	// name+description restricted to printable ASCII.
	SearchText string `bun:"search_text,notnull,default:''"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (s *Server) HasJava() bool {
	return s.JavaHost != ""
}

func (s *Server) HasBedrock() bool {
	return s.BedrockHost != ""
}

func (s *Server) HasVotifier() bool {
	return s.VotifierHost != "" && s.VotifierToken != ""
}

// RefreshSearchText rebuilds the indexed text from name and description.
func (s *Server) RefreshSearchText() {
	s.SearchText = printableASCII(s.Name + " " + s.Description)
}

func printableASCII(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if r >= 0x20 && r <= 0x7e {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidateEndpoints requires at least one of the java/bedrock endpoint
// tuples to be present and complete.
func (s *Server) ValidateEndpoints() error {
	if !s.HasJava() && !s.HasBedrock() {
		return fmt.Errorf("server must have a java or bedrock endpoint")
	}
	if s.HasJava() && s.JavaPort == 0 {
		return fmt.Errorf("java endpoint is missing a port")
	}
	if s.HasBedrock() && s.BedrockPort == 0 {
		return fmt.Errorf("bedrock endpoint is missing a port")
	}
	return nil
}

// ValidateTags checks count bounds and membership in the closed vocabulary.
func ValidateTags(tags []string) error {
	if len(tags) < MinServerTags || len(tags) > MaxServerTags {
		return fmt.Errorf("servers must have between %d and %d tags", MinServerTags, MaxServerTags)
	}
	for _, tag := range tags {
		if !isKnownTag(tag) {
			return fmt.Errorf("unknown tag %q", tag)
		}
	}
	return nil
}

func isKnownTag(tag string) bool {
	for _, t := range ServerTagVocabulary {
		if t == tag {
			return true
		}
	}
	return false
}
