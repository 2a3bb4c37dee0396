package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectPutter is the subset of the minio client used to store objects.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStorage holds the object storage client instance
type ObjectStorage struct {
	Conn *minio.Client
}

// NewObjectStorage initialization
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{}
}

// Connect establishes the object storage connection using client
func (o *ObjectStorage) Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	var err error
	o.Conn, err = minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}

	// Check connection by listing buckets
	if _, err = o.Conn.ListBuckets(ctx); err != nil {
		return fmt.Errorf("failed to establish minio connection: %w", err)
	}
	return nil
}

// EnsureBucket creates the bucket unless it already exists.
func (o *ObjectStorage) EnsureBucket(ctx context.Context, bucketName, region string) error {
	err := o.Conn.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: region})
	if err != nil {
		exists, errBucketExists := o.Conn.BucketExists(ctx, bucketName)
		if !(errBucketExists == nil && exists) {
			return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}
	}
	return nil
}

// DocumentSnapshotSink stores every document version as its own JSON object
// under documents/<id>/v<version>.json. Keys never collide across versions,
// so write order does not matter.
type DocumentSnapshotSink struct {
	client ObjectPutter
	bucket string
}

func NewDocumentSnapshotSink(client ObjectPutter, bucket string) *DocumentSnapshotSink {
	return &DocumentSnapshotSink{client: client, bucket: bucket}
}

func (d *DocumentSnapshotSink) Name() string { return "s3" }

// ObjectName returns the key of the snapshot for doc's current version.
func (d *DocumentSnapshotSink) ObjectName(doc models.Document) string {
	return fmt.Sprintf("documents/%s/v%d.json", doc.ID, doc.Version)
}

func (d *DocumentSnapshotSink) SaveDocument(ctx context.Context, doc models.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}

	_, err = d.client.PutObject(ctx, d.bucket, d.ObjectName(doc), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot of %s: %w", doc.ID, err)
	}
	return nil
}
