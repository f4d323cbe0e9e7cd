// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflows

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// BundleSource reads templates from a packaged bundle in a GCS bucket.
//
// Template packs published by an organization land in a bucket; the
// installer treats the bucket's objects exactly like local template files.
// Object Updated times serve as modification times for staleness checks.
type BundleSource struct {
	client *storage.Client
	bucket string
	prefix string
	logger *logging.Logger
}

// NewBundleSource creates a source over gs://bucket/prefix.
//
// saKeyPath optionally points to a service-account key; when empty,
// application-default credentials are used.
func NewBundleSource(ctx context.Context, bucket, prefix, saKeyPath string, logger *logging.Logger) (*BundleSource, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create the bundle storage client: %w", err)
	}

	return &BundleSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Documents lists every *.json object under the configured prefix.
func (s *BundleSource) Documents(ctx context.Context) ([]Document, error) {
	var docs []Document

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list bundle objects in gs://%s/%s: %w", s.bucket, s.prefix, err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}

		objName := attrs.Name
		docs = append(docs, Document{
			Name:    objName,
			ModTime: attrs.Updated,
			open: func(ctx context.Context) (io.ReadCloser, error) {
				return s.client.Bucket(s.bucket).Object(objName).NewReader(ctx)
			},
		})
	}
	return docs, nil
}

// Close releases the underlying storage client.
func (s *BundleSource) Close() error {
	return s.client.Close()
}
