// Package ranking produces the observable ordering of the listing:
// sponsors on their slots first, then everyone else by votes.
package ranking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/craftlist/craftlist/craftlist/clock"
	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

const (
	MinPageSize = 10
	MaxPageSize = 30

	cacheSize = 256
	cacheTTL  = 60 * time.Second
)

// ServerEntry is one listing row.
type ServerEntry struct {
	Server         *models.Server
	TotalVotes     int
	VotesThisMonth int
	Rank           int
}

// ListingPage is one page of the ranked listing. TotalServers counts the
// whole filtered listing, not the page.
type ListingPage struct {
	TotalServers int
	Servers      []ServerEntry
}

type cacheEntry struct {
	page      *ListingPage
	expiresAt time.Time
}

type Service struct {
	servers repositories.ServerRepository
	clk     clock.Clock
	cache   *lru.Cache
}

func NewService(servers repositories.ServerRepository, clk clock.Clock) *Service {
	cache, _ := lru.New(cacheSize)
	return &Service{
		servers: servers,
		clk:     clk,
		cache:   cache,
	}
}

// Listing returns the ranked page matching the filters. Pages are cached
// briefly; the listing moves at polling cadence, not per request.
func (s *Service) Listing(ctx context.Context, filters repositories.ListingFilters) (*ListingPage, error) {
	if filters.Page < 1 {
		return nil, domain.NewInvalid("page must be at least 1")
	}
	if filters.PageSize < MinPageSize || filters.PageSize > MaxPageSize {
		return nil, domain.NewInvalid(fmt.Sprintf("page size must be between %d and %d", MinPageSize, MaxPageSize))
	}

	now := s.clk.Now()
	key := cacheKey(filters)
	if cached, ok := s.cache.Get(key); ok {
		entry := cached.(cacheEntry)
		if now.Before(entry.expiresAt) {
			return entry.page, nil
		}
		s.cache.Remove(key)
	}

	rows, total, err := s.servers.Search(ctx, now, filters)
	if err != nil {
		return nil, err
	}

	page := &ListingPage{
		TotalServers: total,
		Servers:      make([]ServerEntry, len(rows)),
	}
	for i := range rows {
		server := rows[i].Server
		page.Servers[i] = ServerEntry{
			Server:         &server,
			TotalVotes:     rows[i].TotalVotes,
			VotesThisMonth: rows[i].VotesThisMonth,
			Rank:           rows[i].Rank,
		}
	}

	s.cache.Add(key, cacheEntry{page: page, expiresAt: now.Add(cacheTTL)})
	return page, nil
}

// GetServer returns one server's listing triple. The rank is computed
// against the unfiltered listing, so it stays globally meaningful no
// matter what filters a caller applies elsewhere.
func (s *Service) GetServer(ctx context.Context, serverID int64) (*ServerEntry, error) {
	ranked, err := s.servers.RankOf(ctx, s.clk.Now(), serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrServerNotFound
		}
		return nil, err
	}

	server := ranked.Server
	return &ServerEntry{
		Server:         &server,
		TotalVotes:     ranked.TotalVotes,
		VotesThisMonth: ranked.VotesThisMonth,
		Rank:           ranked.Rank,
	}, nil
}

func cacheKey(filters repositories.ListingFilters) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		filters.SearchQuery,
		strings.Join(filters.Tags, ","),
		filters.Page,
		filters.PageSize,
	)
}
