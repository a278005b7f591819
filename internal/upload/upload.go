// Package upload moves attachments to object storage through pre-signed
// POST targets.
package upload

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/conversa/internal/metrics"
	"go.uber.org/zap"
)

// Target is a pre-signed POST destination.
type Target struct {
	UploadURL  string
	FormFields map[string]string
}

// Targets issues upload targets.
type Targets interface {
	RequestTarget(ctx context.Context, fileName, fileType string) (Target, error)
}

// File is an attachment to upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// TargetError reports that no upload target could be obtained.
type TargetError struct {
	FileName string
	Err      error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("upload target for %q: %v", e.FileName, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// FailedError reports that storage did not accept the upload.
type FailedError struct {
	Status int
	Body   string
	Err    error
}

func (e *FailedError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("upload failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("upload failed: status %d", e.Status)
}

func (e *FailedError) Unwrap() error { return e.Err }

// TooLargeError rejects a file before any network traffic.
type TooLargeError struct {
	Name string
	Size int64
	Max  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s is %s, larger than the %s limit",
		e.Name, humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Max)))
}

// Options configures a Coordinator.
type Options struct {
	// BaseURL prefixes content keys in attachment URLs. Empty means the
	// target's upload URL.
	BaseURL    string
	MaxSize    int64
	HTTPClient *http.Client
}

// Coordinator runs the target, upload and URL steps of an attachment send.
type Coordinator struct {
	targets Targets
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(targets Targets, opts Options, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Coordinator{targets: targets, opts: opts, metrics: m, logger: logger}
}

// Check rejects files over the size limit.
func (c *Coordinator) Check(f File) error {
	if c.opts.MaxSize > 0 && f.Size > c.opts.MaxSize {
		return &TooLargeError{Name: f.Name, Size: f.Size, Max: c.opts.MaxSize}
	}
	return nil
}

// RequestTarget obtains a pre-signed target. Failures are *TargetError.
func (c *Coordinator) RequestTarget(ctx context.Context, fileName, fileType string) (Target, error) {
	t, err := c.targets.RequestTarget(ctx, fileName, fileType)
	if err != nil {
		c.metrics.Upload("target_error", 0)
		return Target{}, &TargetError{FileName: fileName, Err: err}
	}
	if t.UploadURL == "" || t.FormFields["key"] == "" {
		c.metrics.Upload("target_error", 0)
		return Target{}, &TargetError{FileName: fileName, Err: fmt.Errorf("target has no url or key")}
	}
	return t, nil
}

// Upload posts f to target and returns its content key. Only 201 counts as
// success; anything else is *FailedError.
func (c *Coordinator) Upload(ctx context.Context, target Target, f File) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, target.FormFields, f)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return "", &FailedError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		c.metrics.Upload("failed", 0)
		return "", &FailedError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.metrics.Upload("failed", 0)
		return "", &FailedError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	key := target.FormFields["key"]
	c.metrics.Upload("ok", f.Size)
	c.logger.Debug("attachment uploaded",
		zap.String("key", key),
		zap.String("size", humanize.IBytes(uint64(f.Size))),
	)
	return key, nil
}

// Send runs the whole pipeline for f and returns the attachment URL.
func (c *Coordinator) Send(ctx context.Context, f File) (string, error) {
	if err := c.Check(f); err != nil {
		return "", err
	}
	t, err := c.RequestTarget(ctx, f.Name, f.ContentType)
	if err != nil {
		return "", err
	}
	key, err := c.Upload(ctx, t, f)
	if err != nil {
		return "", err
	}
	base := c.opts.BaseURL
	if base == "" {
		base = t.UploadURL
	}
	return AttachmentURL(base, key), nil
}

// AttachmentURL joins a storage base URL and a content key.
func AttachmentURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// writeMultipart streams the form fields, key first and the rest sorted by
// name, then the file part. Storage rejects fields sent after the file.
func writeMultipart(w *multipart.Writer, fields map[string]string, f File) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != "key" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := fields["key"]; ok {
		names = append([]string{"key"}, names...)
	}

	for _, name := range names {
		if err := w.WriteField(name, fields[name]); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if f.Body != nil {
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	return nil
}
