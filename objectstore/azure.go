package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// azureContainer abstracts the container calls AzureStore makes, so tests
// do not need a storage account.
type azureContainer interface {
	Download(ctx context.Context, key string) ([]byte, ObjectInfo, error)
	Properties(ctx context.Context, key string) (ObjectInfo, error)
	Upload(ctx context.Context, key string, data []byte, contentType string, cond *blob.ModifiedAccessConditions) (string, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// realContainer adapts *container.Client to azureContainer.
type realContainer struct{ cc *container.Client }

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func (r *realContainer) Download(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	resp, err := r.cc.NewBlockBlobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  deref(resp.ContentType),
		LastModified: derefTime(resp.LastModified),
		ETag:         etagString(resp.ETag),
	}, nil
}

func (r *realContainer) Properties(ctx context.Context, key string) (ObjectInfo, error) {
	resp, err := r.cc.NewBlockBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          key,
		Size:         deref(resp.ContentLength),
		ContentType:  deref(resp.ContentType),
		LastModified: derefTime(resp.LastModified),
		ETag:         etagString(resp.ETag),
	}, nil
}

func (r *realContainer) Upload(ctx context.Context, key string, data []byte, contentType string, cond *blob.ModifiedAccessConditions) (string, error) {
	opts := &blockblob.UploadOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}
	if cond != nil {
		opts.AccessConditions = &blob.AccessConditions{ModifiedAccessConditions: cond}
	}
	resp, err := r.cc.NewBlockBlobClient(key).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts)
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func (r *realContainer) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	pager := r.cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	infos := make([]ObjectInfo, 0)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			info := ObjectInfo{Key: deref(item.Name)}
			if p := item.Properties; p != nil {
				info.Size = deref(p.ContentLength)
				info.ContentType = deref(p.ContentType)
				info.LastModified = derefTime(p.LastModified)
				info.ETag = etagString(p.ETag)
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (r *realContainer) Delete(ctx context.Context, key string) error {
	_, err := r.cc.NewBlockBlobClient(key).Delete(ctx, nil)
	return err
}

// AzureStore implements Store on an Azure Blob Storage container.
type AzureStore struct {
	container string
	blobs     azureContainer
}

// NewAzureStore connects with a storage account connection string.
func NewAzureStore(connectionString, containerName string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}
	return &AzureStore{
		container: containerName,
		blobs:     &realContainer{cc: client.ServiceClient().NewContainerClient(containerName)},
	}, nil
}

// Container returns the container name the store operates on.
func (a *AzureStore) Container() string { return a.container }

func (a *AzureStore) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	data, info, err := a.blobs.Download(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, classifyAzure("get", key, err)
	}
	return data, info, nil
}

func (a *AzureStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := a.blobs.Properties(ctx, key)
	if err != nil {
		return ObjectInfo{}, classifyAzure("head", key, err)
	}
	return info, nil
}

func (a *AzureStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	var cond *blob.ModifiedAccessConditions
	switch {
	case opts.IfNoneMatch:
		cond = &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}
	case opts.IfMatch != "":
		cond = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.IfMatch))}
	}
	etag, err := a.blobs.Upload(ctx, key, data, opts.ContentType, cond)
	if err != nil {
		return "", classifyAzure("put", key, err)
	}
	return etag, nil
}

func (a *AzureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos, err := a.blobs.List(ctx, prefix)
	if err != nil {
		return nil, classifyAzure("list", prefix, err)
	}
	return infos, nil
}

func (a *AzureStore) Delete(ctx context.Context, key string) error {
	if err := a.blobs.Delete(ctx, key); err != nil {
		err = classifyAzure("delete", key, err)
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func classifyAzure(op, key string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return newError(op, key, KindNotFound, err)
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists):
		return newError(op, key, KindPreconditionFailed, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(op, key, KindTransient, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return newError(op, key, kindForStatus(respErr.StatusCode), err)
	}
	return newError(op, key, KindPermanent, err)
}

var _ Store = (*AzureStore)(nil)
