// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package remotestorage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/swaingotnochill/pageserver/internal/layer"
)

// S3Client is the narrow subset of *s3.Client this backend calls,
// letting tests substitute a fake.
type S3Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Storage implements RemoteStorage against an S3-compatible bucket.
type S3Storage struct {
	client S3Client
	bucket string
}

// NewS3Storage constructs a bucket-scoped RemoteStorage backend.
func NewS3Storage(client S3Client, bucket string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket}
}

func (s *S3Storage) PutLayer(ctx context.Context, tenantShardID string, d layer.Descriptor, data io.Reader) error {
	key := layerObjectKey(tenantShardID, d)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	return err
}

func (s *S3Storage) GetLayer(ctx context.Context, tenantShardID string, d layer.Descriptor) (io.ReadCloser, error) {
	key := layerObjectKey(tenantShardID, d)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *S3Storage) DeleteLayers(ctx context.Context, tenantShardID string, ds []layer.Descriptor) error {
	if len(ds) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(ds))
	for i, d := range ds {
		key := layerObjectKey(tenantShardID, d)
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects},
	})
	return err
}

func (s *S3Storage) PutIndexPart(ctx context.Context, key IndexPartKey, data []byte) error {
	objKey := indexPartObjectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
		Body:   bytes.NewReader(data),
		// IfNoneMatch guards against overwriting a newer generation's
		// index part written concurrently (§6 split-brain protection);
		// a real deployment additionally compares the generation number
		// embedded in the existing object before accepting a write.
		IfNoneMatch: aws.String("*"),
	})
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return ErrGenerationSuperseded
	}
	return err
}

func (s *S3Storage) GetIndexPart(ctx context.Context, key IndexPartKey) ([]byte, error) {
	objKey := indexPartObjectKey(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
