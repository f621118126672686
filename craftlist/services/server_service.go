package services

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/craftlist/craftlist/craftlist/database/models"
	"github.com/craftlist/craftlist/craftlist/database/repositories"
	"github.com/craftlist/craftlist/craftlist/domain"
)

// ServerService owns the listing lifecycle: registration, edits, banner
// uploads and removal. All mutations check ownership; removal is a soft
// delete so history and votes stay attributable.
type ServerService struct {
	servers repositories.ServerRepository
	blobs   BlobStore
}

func NewServerService(servers repositories.ServerRepository, blobs BlobStore) *ServerService {
	return &ServerService{servers: servers, blobs: blobs}
}

func (s *ServerService) CreateServer(ctx context.Context, server *models.Server) error {
	if server.Name == "" {
		return domain.NewInvalid("server name is required")
	}
	if err := server.ValidateEndpoints(); err != nil {
		return domain.NewInvalid(err.Error())
	}
	if err := models.ValidateTags(server.Tags); err != nil {
		return domain.NewInvalid(err.Error())
	}
	return s.servers.Create(ctx, server)
}

func (s *ServerService) UpdateServer(ctx context.Context, userID string, server *models.Server) error {
	existing, err := s.getOwned(ctx, userID, server.ID)
	if err != nil {
		return err
	}
	if err := server.ValidateEndpoints(); err != nil {
		return domain.NewInvalid(err.Error())
	}
	if err := models.ValidateTags(server.Tags); err != nil {
		return domain.NewInvalid(err.Error())
	}

	// Liveness columns belong to the polling engine; carry them over.
	server.UserID = existing.UserID
	server.IsOnline = existing.IsOnline
	server.Players = existing.Players
	server.MaxPlayers = existing.MaxPlayers
	server.LastPingedAt = existing.LastPingedAt
	server.Uptime = existing.Uptime
	server.IconChecksum = existing.IconChecksum
	server.CreatedAt = existing.CreatedAt
	return s.servers.Update(ctx, server)
}

// SetBanner validates, uploads and records a listing banner. The checksum
// lets clients cache-bust the CDN URL.
func (s *ServerService) SetBanner(ctx context.Context, userID string, serverID int64, data []byte, ext string) (string, error) {
	server, err := s.getOwned(ctx, userID, serverID)
	if err != nil {
		return "", err
	}

	url, err := s.blobs.PutBanner(ctx, server.ID, data, ext)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(data)
	server.BannerChecksum = hex.EncodeToString(sum[:])
	server.BannerExt = ext
	if err := s.servers.Update(ctx, server); err != nil {
		return "", err
	}
	return url, nil
}

func (s *ServerService) DeleteServer(ctx context.Context, userID string, serverID int64) error {
	server, err := s.getOwned(ctx, userID, serverID)
	if err != nil {
		return err
	}
	return s.servers.SoftDelete(ctx, server.ID)
}

func (s *ServerService) getOwned(ctx context.Context, userID string, serverID int64) (*models.Server, error) {
	server, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrServerNotFound
		}
		return nil, err
	}
	if server.UserID != userID {
		return nil, domain.ErrNotOwner
	}
	return server, nil
}
