package imagewriter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/flashota/pkg/options"
)

// Source yields the bytes of one image.
type Source interface {
	// Open starts fetching the image. size is -1 when the length is unknown.
	Open(ctx context.Context) (body io.ReadCloser, size int64, err error)
	String() string
}

// Resolver turns image locators into sources.
type Resolver struct {
	HTTP *http.Client
	// S3 serves s3://bucket/key locators. Nil disables them.
	S3 *minio.Client
}

// NewResolver builds the HTTP client and, when configured, the object
// storage client used for image downloads.
func NewResolver(dl *options.DownloadOptions, s3 *options.S3Options) (*Resolver, error) {
	r := &Resolver{HTTP: NewHTTPClient(dl)}
	if s3.Enabled() {
		c, err := NewS3Client(s3)
		if err != nil {
			return nil, err
		}
		r.S3 = c
	}
	return r, nil
}

// NewHTTPClient returns the client used for http:// and https:// images.
func NewHTTPClient(opts *options.DownloadOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify} //nolint:gosec
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}

// NewS3Client creates a minio client for s3:// images.
func NewS3Client(opts *options.S3Options) (*minio.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify} //nolint:gosec

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// Resolve returns the source for locator. A non-empty sha256 hex digest makes
// the source verify the image as it is read.
func (r *Resolver) Resolve(locator, sha256Hex string) (Source, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("invalid image locator %q: %w", locator, err)
	}

	var src Source
	switch u.Scheme {
	case "http", "https":
		src = &HTTPSource{Client: r.HTTP, URL: locator}
	case "s3":
		if r.S3 == nil {
			return nil, fmt.Errorf("s3 locator %q but object storage is not configured", locator)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("s3 locator %q must be s3://bucket/key", locator)
		}
		src = &S3Source{Client: r.S3, Bucket: u.Host, Key: key}
	default:
		return nil, fmt.Errorf("unsupported image locator scheme %q", u.Scheme)
	}

	if sha256Hex == "" {
		return src, nil
	}
	return WithSHA256(src, sha256Hex)
}

// HTTPSource downloads an image with a GET request.
type HTTPSource struct {
	Client *http.Client
	URL    string
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, 0, err
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("network error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("server returned status: %s", resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func (s *HTTPSource) String() string {
	return s.URL
}

// S3Source reads an image object from a bucket.
type S3Source struct {
	Client *minio.Client
	Bucket string
	Key    string
}

func (s *S3Source) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, s.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get object: %w", err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return obj, info.Size, nil
}

func (s *S3Source) String() string {
	return "s3://" + s.Bucket + "/" + s.Key
}

// WithSHA256 wraps src so that reading its last byte fails with
// ErrChecksumMismatch unless the content hashes to want.
func WithSHA256(src Source, want string) (Source, error) {
	sum, err := hex.DecodeString(want)
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("invalid sha256 digest %q", want)
	}
	return &verifiedSource{Source: src, want: sum}, nil
}

type verifiedSource struct {
	Source
	want []byte
}

func (s *verifiedSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	body, size, err := s.Source.Open(ctx)
	if err != nil {
		return nil, 0, err
	}
	return &verifyingReader{ReadCloser: body, h: sha256.New(), want: s.want}, size, nil
}

type verifyingReader struct {
	io.ReadCloser
	h    hash.Hash
	want []byte
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.h.Write(p[:n])
	if errors.Is(err, io.EOF) {
		if got := r.h.Sum(nil); !bytes.Equal(got, r.want) {
			return n, fmt.Errorf("%w: got %x", ErrChecksumMismatch, got)
		}
	}
	return n, err
}
