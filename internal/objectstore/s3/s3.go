// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements objectstore.Store on top of AWS S3, the same
// transport objproxy/s3 wraps for bs3. Object identity here is the striped
// backing-object id rather than a bs3 log key, and the primitive set grows
// from Upload/DownloadAt to the full C2 surface (write/read/zero/truncate/
// remove) the image request layer needs.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/asch/rbdcore/internal/objectstore"
)

// keyFmt mirrors bs3's split-key trick: the low half of the id becomes the
// s3 key prefix so objects don't collide onto a single prefix and trip S3
// request-rate limiting.
const keyFmt = "%08x/%08x"

// Options configures a new Store. Named fields avoid constructor-argument
// ordering mistakes, the same reasoning bs3's s3.Options documents.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Store implements objectstore.Store against an S3-compatible backend.
type Store struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{Transport: tr}
}

// New dials an S3 session tuned the way bs3's s3.New is: small objects,
// concurrency 1, unsigned payload headers, bucket created on demand.
func New(o Options) (*Store, error) {
	s := &Store{bucket: o.Bucket}

	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		}
	}
	return err
}

// Write uploads buf at offset by reading-modifying-writing the object, since
// S3 has no partial-write primitive; a missing object is treated as empty,
// and bytes of an existing object outside the written range are kept.
func (s *Store) Write(ctx context.Context, id, offset int64, buf []byte, _ objectstore.SnapContext) error {
	existing, err := s.getWhole(ctx, id)
	if err != nil && !isNotFound(err) {
		return err
	}
	needed := offset + int64(len(buf))
	if int64(len(existing)) < needed {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], buf)
	return s.putWhole(ctx, id, existing)
}

// Read fetches a byte range of object id, returning zeroes for any portion
// past the object's current end or for a missing object entirely.
func (s *Store) Read(ctx context.Context, id, offset int64, buf []byte) error {
	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf[:0:0])

	_, err := s.downloader.DownloadWithContext(ctx, b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
		Range:  &rng,
	})
	if isNotFound(err) {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err != nil {
		return err
	}
	got := b.Bytes()
	copy(buf, got)
	for i := len(got); i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// Zero clears an interior range without changing the object's length.
func (s *Store) Zero(ctx context.Context, id, offset, length int64, snapc objectstore.SnapContext) error {
	zeroes := make([]byte, length)
	return s.Write(ctx, id, offset, zeroes, snapc)
}

// Truncate shortens object id to offset bytes.
func (s *Store) Truncate(ctx context.Context, id, offset int64, _ objectstore.SnapContext) error {
	existing, err := s.getWhole(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if offset >= int64(len(existing)) {
		return nil
	}
	return s.putWhole(ctx, id, existing[:offset])
}

// Remove deletes object id entirely.
func (s *Store) Remove(ctx context.Context, id int64, _ objectstore.SnapContext) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
	})
	return err
}

func (s *Store) putWhole(ctx context.Context, id int64, buf []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
		Body:   bytes.NewReader(buf),
	})
	return err
}

func (s *Store) getWhole(ctx context.Context, id int64) ([]byte, error) {
	head, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
	})
	if err != nil {
		return nil, err
	}

	buf := make([]byte, *head.ContentLength)
	w := aws.NewWriteAtBuffer(buf[:0:0])
	_, err = s.downloader.DownloadWithContext(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(id)),
	})
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if aerr, ok := err.(awsRequestFailure); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

// awsRequestFailure is the subset of awserr.Error this package needs,
// declared locally so callers aren't forced to import aws/awserr just for a
// type assertion.
type awsRequestFailure interface {
	Code() string
}

// encode splits id the same way bs3 splits its object keys: low bits as
// prefix, high bits as the object name, to spread load across S3 prefixes.
func encode(id int64) string {
	left := (id >> 32) & 0xffffffff
	right := id & 0xffffffff
	return fmt.Sprintf(keyFmt, right, left)
}
