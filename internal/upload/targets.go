package upload

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/conversa/internal/backend"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignRequester is the backend call RESTTargets uses.
type PresignRequester interface {
	PresignedURL(ctx context.Context, fileName, fileType string) (backend.PresignedTarget, error)
}

// RESTTargets asks the chat backend for targets.
type RESTTargets struct {
	api PresignRequester
}

// NewRESTTargets creates backend-issued targets.
func NewRESTTargets(api PresignRequester) *RESTTargets {
	return &RESTTargets{api: api}
}

func (r *RESTTargets) RequestTarget(ctx context.Context, fileName, fileType string) (Target, error) {
	t, err := r.api.PresignedURL(ctx, fileName, fileType)
	if err != nil {
		return Target{}, err
	}
	return Target{UploadURL: t.URL, FormFields: t.Fields}, nil
}

// MinioConfig describes a self-hosted bucket.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Expiry    time.Duration
}

// MinioTargets signs POST policies locally with the bucket credentials.
type MinioTargets struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	now    func() time.Time
}

// NewMinioTargets creates locally signed targets. The region defaults to
// us-east-1 so signing never needs a bucket-location round trip.
func NewMinioTargets(cfg MinioConfig) (*MinioTargets, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 15 * time.Minute
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &MinioTargets{client: client, bucket: cfg.Bucket, expiry: cfg.Expiry, now: time.Now}, nil
}

func (m *MinioTargets) RequestTarget(ctx context.Context, fileName, fileType string) (Target, error) {
	policy := minio.NewPostPolicy()
	steps := []error{
		policy.SetBucket(m.bucket),
		policy.SetKey(objectKey(fileName)),
		policy.SetExpires(m.now().UTC().Add(m.expiry)),
		policy.SetSuccessStatusAction("201"),
	}
	if fileType != "" {
		steps = append(steps, policy.SetContentType(fileType))
	}
	for _, err := range steps {
		if err != nil {
			return Target{}, fmt.Errorf("post policy: %w", err)
		}
	}

	u, fields, err := m.client.PresignedPostPolicy(ctx, policy)
	if err != nil {
		return Target{}, fmt.Errorf("presign: %w", err)
	}
	return Target{UploadURL: u.String(), FormFields: fields}, nil
}

// objectKey places uploads under a unique prefix, keeping the base name.
func objectKey(fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	return "uploads/" + uuid.NewString() + "-" + name
}
