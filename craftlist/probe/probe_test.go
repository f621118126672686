package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcstatus-io/mcutil/v3/response"
	"github.com/stretchr/testify/assert"
)

func i64(v int64) *int64    { return &v }
func str(v string) *string  { return &v }

func javaStatus(online, max int64, favicon *string) *response.JavaStatus {
	s := &response.JavaStatus{}
	s.Players.Online = i64(online)
	s.Players.Max = i64(max)
	s.Favicon = favicon
	return s
}

func testProber() *MCProber {
	p := New(time.Second)
	p.status = func(context.Context, string, uint16) (*response.JavaStatus, error) {
		return nil, errors.New("status unavailable")
	}
	p.query = func(context.Context, string, uint16) (*response.BasicQuery, error) {
		return nil, errors.New("query unavailable")
	}
	p.bedrock = func(context.Context, string, uint16) (*response.BedrockStatus, error) {
		return nil, errors.New("bedrock unavailable")
	}
	return p
}

func TestProbeJavaStatus(t *testing.T) {
	ctx := context.Background()
	java := &Endpoint{Host: "mc.example.com", Port: 25565}

	t.Run("status success", func(t *testing.T) {
		p := testProber()
		p.status = func(context.Context, string, uint16) (*response.JavaStatus, error) {
			return javaStatus(12, 60, str("data:image/png;base64,aWNvbg==")), nil
		}

		rec := p.Probe(ctx, java, nil)
		assert.Equal(t, LivenessRecord{Online: true, Players: 12, MaxPlayers: 60, Icon: "aWNvbg=="}, rec)
	})

	t.Run("status without favicon", func(t *testing.T) {
		p := testProber()
		p.status = func(context.Context, string, uint16) (*response.JavaStatus, error) {
			return javaStatus(0, 20, nil), nil
		}

		rec := p.Probe(ctx, java, nil)
		assert.True(t, rec.Online)
		assert.Empty(t, rec.Icon)
	})

	t.Run("falls back to query when status fails", func(t *testing.T) {
		p := testProber()
		p.query = func(context.Context, string, uint16) (*response.BasicQuery, error) {
			q := &response.BasicQuery{}
			q.OnlinePlayers = 7
			q.MaxPlayers = 40
			return q, nil
		}

		rec := p.Probe(ctx, java, nil)
		// The query protocol carries no icon.
		assert.Equal(t, LivenessRecord{Online: true, Players: 7, MaxPlayers: 40}, rec)
	})

	t.Run("both protocols failing means unreachable", func(t *testing.T) {
		p := testProber()
		rec := p.Probe(ctx, java, nil)
		assert.Equal(t, LivenessRecord{}, rec)
	})
}

func TestProbeBedrock(t *testing.T) {
	ctx := context.Background()
	bedrock := &Endpoint{Host: "mc.example.com", Port: 19132}

	t.Run("status success", func(t *testing.T) {
		p := testProber()
		p.bedrock = func(context.Context, string, uint16) (*response.BedrockStatus, error) {
			s := &response.BedrockStatus{}
			s.OnlinePlayers = i64(3)
			s.MaxPlayers = i64(10)
			return s, nil
		}

		rec := p.Probe(ctx, nil, bedrock)
		assert.Equal(t, LivenessRecord{Online: true, Players: 3, MaxPlayers: 10}, rec)
	})

	t.Run("no query fallback for bedrock", func(t *testing.T) {
		p := testProber()
		queried := false
		p.query = func(context.Context, string, uint16) (*response.BasicQuery, error) {
			queried = true
			return nil, errors.New("unavailable")
		}

		rec := p.Probe(ctx, nil, bedrock)
		assert.False(t, rec.Online)
		assert.False(t, queried)
	})
}

func TestProbeProtocolSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("java wins when both endpoints exist", func(t *testing.T) {
		p := testProber()
		bedrockCalled := false
		p.status = func(context.Context, string, uint16) (*response.JavaStatus, error) {
			return javaStatus(1, 5, nil), nil
		}
		p.bedrock = func(context.Context, string, uint16) (*response.BedrockStatus, error) {
			bedrockCalled = true
			return nil, errors.New("unavailable")
		}

		rec := p.Probe(ctx, &Endpoint{Host: "a", Port: 1}, &Endpoint{Host: "b", Port: 2})
		assert.True(t, rec.Online)
		assert.False(t, bedrockCalled)
	})

	t.Run("no endpoints means unreachable", func(t *testing.T) {
		p := testProber()
		rec := p.Probe(ctx, nil, nil)
		assert.Equal(t, LivenessRecord{}, rec)
	})
}

func TestStripDataURI(t *testing.T) {
	assert.Equal(t, "aWNvbg==", stripDataURI("data:image/png;base64,aWNvbg=="))
	assert.Equal(t, "aWNvbg==", stripDataURI("aWNvbg=="))
}
