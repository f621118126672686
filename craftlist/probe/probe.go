// Package probe reads liveness from remote game servers. It is store-free
// and reentrant; all persistence happens in the polling engine after a
// probe returns.
package probe

import (
	"context"
	"strings"
	"time"

	"github.com/mcstatus-io/mcutil/v3"
	"github.com/mcstatus-io/mcutil/v3/response"
)

const DefaultTimeout = 10 * time.Second

// Endpoint is one host:port tuple of either address family.
type Endpoint struct {
	Host string
	Port uint16
}

// LivenessRecord is the normalized result of one probe. A zero record with
// Online=false means unreachable. Icon is the raw base64 payload when the
// remote presented one (Java status only).
type LivenessRecord struct {
	Online     bool
	Players    int64
	MaxPlayers int64
	Icon       string
}

// Prober resolves the liveness of a server given its endpoints.
type Prober interface {
	Probe(ctx context.Context, java, bedrock *Endpoint) LivenessRecord
}

type statusFunc func(ctx context.Context, host string, port uint16) (*response.JavaStatus, error)
type queryFunc func(ctx context.Context, host string, port uint16) (*response.BasicQuery, error)
type bedrockFunc func(ctx context.Context, host string, port uint16) (*response.BedrockStatus, error)

// MCProber probes over the Minecraft wire protocols. The protocol calls
// are injectable for tests; the zero value is not usable, construct with
// New.
type MCProber struct {
	timeout time.Duration

	status  statusFunc
	query   queryFunc
	bedrock bedrockFunc
}

func New(timeout time.Duration) *MCProber {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MCProber{
		timeout: timeout,
		status: func(ctx context.Context, host string, port uint16) (*response.JavaStatus, error) {
			return mcutil.Status(ctx, host, port)
		},
		query: func(ctx context.Context, host string, port uint16) (*response.BasicQuery, error) {
			return mcutil.BasicQuery(ctx, host, port)
		},
		bedrock: func(ctx context.Context, host string, port uint16) (*response.BedrockStatus, error) {
			return mcutil.StatusBedrock(ctx, host, port)
		},
	}
}

// Probe resolves liveness for the given endpoints. When both families are
// present only the Java endpoint is probed; the Java surface is
// authoritative. A probe that exceeds the deadline reports unreachable
// without raising.
func (p *MCProber) Probe(ctx context.Context, java, bedrock *Endpoint) LivenessRecord {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if java != nil {
		return p.probeJava(ctx, java)
	}
	if bedrock != nil {
		return p.probeBedrock(ctx, bedrock)
	}
	return LivenessRecord{}
}

// probeJava attempts the status handshake first and falls back to the
// query protocol on any failure. Query responses carry no icon.
func (p *MCProber) probeJava(ctx context.Context, ep *Endpoint) LivenessRecord {
	status, err := p.status(ctx, ep.Host, ep.Port)
	if err == nil {
		rec := LivenessRecord{Online: true}
		if status.Players.Online != nil {
			rec.Players = *status.Players.Online
		}
		if status.Players.Max != nil {
			rec.MaxPlayers = *status.Players.Max
		}
		if status.Favicon != nil {
			rec.Icon = stripDataURI(*status.Favicon)
		}
		return rec
	}

	query, err := p.query(ctx, ep.Host, ep.Port)
	if err != nil {
		return LivenessRecord{}
	}
	return LivenessRecord{
		Online:     true,
		Players:    int64(query.OnlinePlayers),
		MaxPlayers: int64(query.MaxPlayers),
	}
}

// probeBedrock is a single status attempt; the Bedrock family has no
// query fallback.
func (p *MCProber) probeBedrock(ctx context.Context, ep *Endpoint) LivenessRecord {
	status, err := p.bedrock(ctx, ep.Host, ep.Port)
	if err != nil {
		return LivenessRecord{}
	}
	rec := LivenessRecord{Online: true}
	if status.OnlinePlayers != nil {
		rec.Players = *status.OnlinePlayers
	}
	if status.MaxPlayers != nil {
		rec.MaxPlayers = *status.MaxPlayers
	}
	return rec
}

// stripDataURI reduces a "data:image/png;base64,…" favicon to its base64
// payload.
func stripDataURI(favicon string) string {
	if idx := strings.Index(favicon, ","); idx >= 0 {
		return favicon[idx+1:]
	}
	return favicon
}
