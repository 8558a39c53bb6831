// Package storage archives call history snapshots to a Supabase bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

type uploader interface {
	upload(bucket, key string, data []byte) error
}

type Archive struct {
	up     uploader
	bucket string
	prefix string
}

type supabaseUploader struct {
	client *supabase.Client
}

func (s supabaseUploader) upload(bucket, key string, data []byte) error {
	_, err := s.client.Storage.UploadFile(bucket, key, bytes.NewReader(data))
	return err
}

// New returns a Supabase-backed archive.
func New(config Config) (*Archive, error) {
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return &Archive{
		up:     supabaseUploader{client: client},
		bucket: config.Bucket,
		prefix: "call-history/",
	}, nil
}

// Archive uploads one snapshot under the call-history/ prefix.
func (a *Archive) Archive(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := a.prefix + name
	if err := a.up.upload(a.bucket, key, data); err != nil {
		return fmt.Errorf("failed to upload %s to supabase: %w", key, err)
	}
	log.Info().Str("bucket", a.bucket).Str("key", key).Int("bytes", len(data)).Msg("call history archived")
	return nil
}
