// Package s3store keeps each profile as a JSON object in an S3-compatible
// bucket (AWS S3, MinIO, Cloudflare R2).
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/tastemate/pkg/profile"
)

var _ profile.Store = (*Store)(nil)

// Config describes the bucket connection.
type Config struct {
	Bucket          string
	Endpoint        string // empty for AWS; set for MinIO/R2 (enables path-style)
	Region          string // defaults to "auto"
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // key prefix, e.g. "profiles/"
}

// Store reads and writes the object for one profile id.
type Store struct {
	client *s3.Client
	bucket string
	key    string
}

// New creates a Store for the profile with the given id.
func New(cfg Config, id string) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket must not be empty")
	}
	if id == "" {
		return nil, errors.New("s3store: id must not be empty")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = region
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
			}
		},
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Store{
		client: s3.New(s3.Options{}, opts...),
		bucket: cfg.Bucket,
		key:    path.Join(cfg.Prefix, id+".json"),
	}, nil
}

// Key returns the object key of the profile.
func (s *Store) Key() string { return s.key }

// Load implements [profile.Store].
func (s *Store) Load(ctx context.Context) (*profile.UserProfile, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("s3store: %s: %w", s.key, profile.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3store: get %s: %w", s.key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3store: read %s: %w", s.key, err)
	}
	var p profile.UserProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("s3store: decode %s: %w", s.key, err)
	}
	return &p, nil
}

// Save implements [profile.Store].
func (s *Store) Save(ctx context.Context, p *profile.UserProfile) error {
	if p == nil {
		return errors.New("s3store: nil profile")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("s3store: encode: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", s.key, err)
	}
	return nil
}

// Delete implements [profile.Store]. S3 reports success for missing keys.
func (s *Store) Delete(ctx context.Context) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3store: delete %s: %w", s.key, err)
	}
	return nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3store: head bucket: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
