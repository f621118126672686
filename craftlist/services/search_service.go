package services

import (
	"context"
	"strings"

	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/sahilm/fuzzy"
)

// ServerSearchItems implements fuzzy.Source over server names.
type ServerSearchItems []ServerSearchItem

type ServerSearchItem struct {
	ServerID int64
	Name     string
}

func (items ServerSearchItems) Len() int {
	return len(items)
}

func (items ServerSearchItems) String(i int) string {
	return items[i].Name
}

// SearchService provides fuzzy server-name suggestions for autocomplete.
// The full-text listing search lives in the ranking engine; this service
// only matches names.
type SearchService struct {
	serverRepo repositories.ServerRepository
}

func NewSearchService(serverRepo repositories.ServerRepository) *SearchService {
	return &SearchService{serverRepo: serverRepo}
}

// Suggest returns up to limit server names matching query, best first.
func (s *SearchService) Suggest(ctx context.Context, query string, limit int) ([]ServerSearchItem, error) {
	if limit <= 0 {
		limit = 10
	}

	servers, err := s.serverRepo.GetAllActive(ctx)
	if err != nil {
		return nil, err
	}

	items := make(ServerSearchItems, len(servers))
	for i, server := range servers {
		items[i] = ServerSearchItem{
			ServerID: server.ID,
			Name:     server.Name,
		}
	}

	matches := fuzzy.FindFrom(normalizeQuery(query), items)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]ServerSearchItem, len(matches))
	for i, m := range matches {
		results[i] = items[m.Index]
	}
	return results, nil
}

func normalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
