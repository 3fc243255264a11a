package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/config"
)

const objectStoreTokenKey = "auths/" + tokenFileName

// ObjectTokenStore keeps the token set as a JSON object in an S3-compatible bucket.
type ObjectTokenStore struct {
	client      *minio.Client
	cfg         config.ObjectStoreConfig
	mu          sync.Mutex
	bucketReady bool
}

// NewObjectTokenStore initializes an object storage backed token store. The bucket is
// created lazily on the first save.
func NewObjectTokenStore(cfg config.ObjectStoreConfig) (*ObjectTokenStore, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store: endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store: bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("object store: access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store: secret key is required")
	}

	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("object store: create client: %w", err)
	}
	return &ObjectTokenStore{client: client, cfg: cfg}, nil
}

// Key returns the full object key of the token set.
func (s *ObjectTokenStore) Key() string {
	return s.prefixedKey(objectStoreTokenKey)
}

// SaveTokenSet uploads ts, creating the bucket on first use.
func (s *ObjectTokenStore) SaveTokenSet(ctx context.Context, ts *jira.TokenSet) error {
	if ts == nil {
		return fmt.Errorf("object store: token set is nil")
	}
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("object store: marshal token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bucketReady {
		if err = s.ensureBucket(ctx); err != nil {
			return err
		}
		s.bucketReady = true
	}
	if err = s.putObject(ctx, objectStoreTokenKey, raw, "application/json"); err != nil {
		return err
	}
	log.Debugf("token uploaded to bucket %s key %s", s.cfg.Bucket, s.Key())
	return nil
}

// LoadTokenSet downloads the token object, returning ErrNoToken when it does not exist.
func (s *ObjectTokenStore) LoadTokenSet(ctx context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.Key()
	object, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("object store: fetch token: %w", err)
	}
	defer func() { _ = object.Close() }()
	data, err := io.ReadAll(object)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("object store: read token: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoToken
	}
	var ts jira.TokenSet
	if err = json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("object store: unmarshal token: %w", err)
	}
	return &ts, nil
}

// DeleteTokenSet removes the token object. A missing object is not an error.
func (s *ObjectTokenStore) DeleteTokenSet(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteObject(ctx, objectStoreTokenKey)
}

func (s *ObjectTokenStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("object store: create bucket: %w", err)
	}
	return nil
}

func (s *ObjectTokenStore) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	if len(data) == 0 {
		return s.deleteObject(ctx, key)
	}
	fullKey := s.prefixedKey(key)
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, fullKey, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("object store: put object %s: %w", fullKey, err)
	}
	return nil
}

func (s *ObjectTokenStore) deleteObject(ctx context.Context, key string) error {
	fullKey := s.prefixedKey(key)
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, fullKey, minio.RemoveObjectOptions{})
	if err != nil {
		if isObjectNotFound(err) {
			return nil
		}
		return fmt.Errorf("object store: delete object %s: %w", fullKey, err)
	}
	return nil
}

func (s *ObjectTokenStore) prefixedKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return strings.TrimLeft(s.cfg.Prefix+"/"+key, "/")
}

func isObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	switch resp.Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return true
	}
	return false
}
