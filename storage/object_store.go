package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"videoQA/core"
	"videoQA/tracing"
)

// ObjectStore holds the video file and sampled frames for each video.
type ObjectStore interface {
	// Upload writes the local file to key and returns its public URL.
	Upload(ctx context.Context, localPath, key, contentType string) (string, error)
	// URL is the deterministic public address of key.
	URL(key string) string
	// DeletePrefix removes every object under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Delete(ctx context.Context, key string) error
}

func VideoKey(videoID string) string { return "videos/" + videoID + ".mp4" }

func FrameKey(videoID string, index int) string {
	return fmt.Sprintf("frames/%s/frame_%04d.png", videoID, index)
}

func FramePrefix(videoID string) string { return "frames/" + videoID + "/" }

// objectURL builds <scheme>://<endpoint>/<bucket>/<escaped key>. The whole key
// is escaped as one segment, so "/" becomes %2F.
func objectURL(secure bool, endpoint, bucket, key string) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, endpoint, bucket, url.PathEscape(key))
}

// ---------------- MinIO implementation ----------------

type MinioObjectStore struct {
	mc       *minio.Client
	endpoint string
	bucket   string
	secure   bool
}

// NewMinioObjectStore connects and creates the bucket when missing. With
// publicRead the bucket gets an anonymous read policy so frame URLs resolve.
func NewMinioObjectStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure, publicRead bool) (*MinioObjectStore, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	if publicRead {
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
		if err := mc.SetBucketPolicy(ctx, bucket, policy); err != nil {
			return nil, fmt.Errorf("set bucket policy %s: %w", bucket, err)
		}
	}
	return &MinioObjectStore{mc: mc, endpoint: endpoint, bucket: bucket, secure: secure}, nil
}

func (s *MinioObjectStore) Upload(ctx context.Context, localPath, key, contentType string) (_ string, err error) {
	ctx, span := tracing.Start(ctx, "minio.Upload")
	defer func() { tracing.End(span, err) }()

	if _, err := s.mc.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", core.WrapError(err, core.KindStorage, "upload "+key+" failed")
	}
	return s.URL(key), nil
}

func (s *MinioObjectStore) URL(key string) string {
	return objectURL(s.secure, s.endpoint, s.bucket, key)
}

func (s *MinioObjectStore) Delete(ctx context.Context, key string) error {
	if err := s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return core.WrapError(err, core.KindStorage, "remove "+key+" failed")
	}
	return nil
}

func (s *MinioObjectStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects := s.mc.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return core.WrapError(obj.Err, core.KindStorage, "list "+prefix+" failed")
		}
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// ---------------- Memory implementation ----------------

// MemoryObjectStore keeps object bytes in memory.
type MemoryObjectStore struct {
	mu       sync.Mutex
	endpoint string
	bucket   string
	objects  map[string][]byte
	// FailKey makes Upload fail for a matching key.
	FailKey func(key string) bool
}

func NewMemoryObjectStore(endpoint, bucket string) *MemoryObjectStore {
	return &MemoryObjectStore{endpoint: endpoint, bucket: bucket, objects: map[string][]byte{}}
}

func (s *MemoryObjectStore) Upload(_ context.Context, localPath, key, _ string) (string, error) {
	if s.FailKey != nil && s.FailKey(key) {
		return "", core.NewError(core.KindStorage, "upload "+key+" failed")
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", core.WrapError(err, core.KindStorage, "read "+localPath+" failed")
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return s.URL(key), nil
}

func (s *MemoryObjectStore) URL(key string) string {
	return objectURL(false, s.endpoint, s.bucket, key)
}

func (s *MemoryObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryObjectStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
		}
	}
	return nil
}

// Keys lists stored keys in order.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *MinioObjectStore) Ping(ctx context.Context) error {
	ok, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}
