package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/craftlist/craftlist/craftlist/domain"
)

const (
	BannerWidth  = 468
	BannerHeight = 60
)

var allowedBannerExts = map[string]string{
	"gif":  "image/gif",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
}

// BlobStore is the object-storage collaborator. Engines depend on this
// interface; SpacesService is the S3-compatible implementation.
type BlobStore interface {
	PutIcon(ctx context.Context, serverID int64, data []byte) (string, error)
	PutBanner(ctx context.Context, serverID int64, data []byte, ext string) (string, error)
	URL(key string) string
}

type SpacesService struct {
	client    *s3.Client
	bucket    string
	region    string
	cdnDomain string
}

func NewSpacesService(spacesKey, spacesSecret, region, bucket, cdnDomain string) *SpacesService {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.digitaloceanspaces.com", region),
		}, nil
	})

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(spacesKey, spacesSecret, "")),
		config.WithRegion(region),
	)
	if err != nil {
		panic(fmt.Sprintf("Unable to load Spaces config: %v", err))
	}

	return &SpacesService{
		client:    s3.NewFromConfig(cfg),
		bucket:    bucket,
		region:    region,
		cdnDomain: cdnDomain,
	}
}

// PutIcon stores a probed server icon under its deterministic key. The
// polling engine only calls this when the icon checksum changed, so
// repeated probes of an unchanged icon never re-upload.
func (s *SpacesService) PutIcon(ctx context.Context, serverID int64, data []byte) (string, error) {
	key := IconKey(serverID)
	if err := s.put(ctx, key, data, "image/png"); err != nil {
		return "", err
	}
	return s.URL(key), nil
}

// PutBanner validates the dimensions and format before uploading.
func (s *SpacesService) PutBanner(ctx context.Context, serverID int64, data []byte, ext string) (string, error) {
	contentType, ok := allowedBannerExts[ext]
	if !ok {
		return "", domain.ErrInvalidBannerFormat
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", domain.ErrInvalidBannerFormat
	}
	if cfg.Width != BannerWidth || cfg.Height != BannerHeight {
		return "", domain.ErrInvalidBannerSize
	}

	key := BannerKey(serverID, ext)
	if err := s.put(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return s.URL(key), nil
}

func (s *SpacesService) put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=31536000"),
		ACL:          types.ObjectCannedACLPublicRead,
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (s *SpacesService) URL(key string) string {
	return fmt.Sprintf("https://%s/%s", s.cdnDomain, key)
}

func IconKey(serverID int64) string {
	return fmt.Sprintf("icon/%d.png", serverID)
}

func BannerKey(serverID int64, ext string) string {
	return fmt.Sprintf("banner/%d.%s", serverID, ext)
}
