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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/swaingotnochill/pageserver/internal/layer"
)

// AzureStorage implements RemoteStorage against an Azure Blob
// container, the alternate object-store backend named in §6.
type AzureStorage struct {
	client    *azblob.Client
	container string
}

// NewAzureStorage constructs a container-scoped RemoteStorage backend.
func NewAzureStorage(client *azblob.Client, containerName string) *AzureStorage {
	return &AzureStorage{client: client, container: containerName}
}

func (a *AzureStorage) PutLayer(ctx context.Context, tenantShardID string, d layer.Descriptor, data io.Reader) error {
	key := layerObjectKey(tenantShardID, d)
	_, err := a.client.UploadStream(ctx, a.container, key, data, nil)
	return err
}

func (a *AzureStorage) GetLayer(ctx context.Context, tenantShardID string, d layer.Descriptor) (io.ReadCloser, error) {
	key := layerObjectKey(tenantShardID, d)
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *AzureStorage) DeleteLayers(ctx context.Context, tenantShardID string, ds []layer.Descriptor) error {
	for _, d := range ds {
		key := layerObjectKey(tenantShardID, d)
		if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *AzureStorage) PutIndexPart(ctx context.Context, key IndexPartKey, data []byte) error {
	objKey := indexPartObjectKey(key)
	etagNoneMatch := azcore.ETagAny
	_, err := a.client.UploadStream(ctx, a.container, objKey, bytes.NewReader(data), &azblob.UploadStreamOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: &etagNoneMatch,
			},
		},
	})
	if isPreconditionFailed(err) {
		return ErrGenerationSuperseded
	}
	return err
}

func (a *AzureStorage) GetIndexPart(ctx context.Context, key IndexPartKey) ([]byte, error) {
	objKey := indexPartObjectKey(key)
	resp, err := a.client.DownloadStream(ctx, a.container, objKey, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 412
}
