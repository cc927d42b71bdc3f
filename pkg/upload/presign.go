package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/forgis/factorybench/pkg/config"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/sirupsen/logrus"
)

type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// Presigner hands out time-limited GET URLs for mirrored run documents.
// URLs are cached for half their validity so callers always receive one
// with at least that much time left.
type Presigner struct {
	log           logrus.FieldLogger
	cfg           *config.S3UploadConfig
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
	now           func() time.Time
}

// NewPresigner creates a Presigner from the upload configuration.
func NewPresigner(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (*Presigner, error) {
	raw := cfg.PresignExpiry
	if raw == "" {
		raw = config.DefaultPresignExpiry
	}

	expiry, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing presign_expiry: %w", err)
	}

	return &Presigner{
		log:           log.WithField("component", "s3-presigner"),
		cfg:           cfg,
		presignClient: s3.NewPresignClient(newS3Client(cfg)),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry, 16),
		now:           time.Now,
	}, nil
}

// Expiry returns the validity of generated URLs.
func (p *Presigner) Expiry() time.Duration {
	return p.expiry
}

// PresignRun returns a GET URL for the mirrored document of runID. It
// does not check that the object exists.
func (p *Presigner) PresignRun(ctx context.Context, runID string) (string, error) {
	if err := runstore.ValidateRunID(runID); err != nil {
		return "", err
	}

	key := resolvePrefix(p.cfg.Prefix) + "/" + runID + ".json"
	now := p.now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}
