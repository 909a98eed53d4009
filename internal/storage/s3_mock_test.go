package storage

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // ETags only.
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// mockS3 is a tiny fake S3 subset: GetObject, conditional PutObject,
// DeleteObject and paginated ListObjectsV2 on a single path-style bucket.
type mockS3 struct {
	mu       sync.Mutex
	objects  map[string]mockObject
	pageSize int
	puts     int
	// onPut runs with the lock held before a PUT is evaluated.
	onPut func(objects map[string]mockObject)
}

type mockObject struct {
	body []byte
	etag string
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]mockObject), pageSize: 2}
}

func newMockS3Store(t *testing.T, m *mockS3, prefix string, opts ...Option) *S3Store {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: m}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return newS3StoreWithClient(client, "mock-bucket", prefix, opts...)
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop // Fake dispatcher.
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req), nil
	}

	switch req.Method {
	case http.MethodGet:
		obj, ok := m.objects[key]
		if !ok {
			return s3Error(http.StatusNotFound, "NoSuchKey"), nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(obj.body)), Header: http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {"application/json"},
			"Etag":           {obj.etag},
		}}, nil

	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeAWSChunked(body); ok {
			body = dec
		}
		if m.onPut != nil {
			m.onPut(m.objects)
		}
		obj, exists := m.objects[key]
		if ifNone := req.Header.Get("If-None-Match"); ifNone == "*" && exists {
			return s3Error(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		if ifMatch := req.Header.Get("If-Match"); ifMatch != "" && (!exists || ifMatch != obj.etag) {
			return s3Error(http.StatusPreconditionFailed, "PreconditionFailed"), nil
		}
		m.puts++
		sum := md5.Sum(append([]byte(strconv.Itoa(m.puts)), body...)) //nolint:gosec // ETags only.
		etag := `"` + hex.EncodeToString(sum[:]) + `"`
		m.objects[key] = mockObject{body: body, etag: etag}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"Etag": {etag}}}, nil

	case http.MethodDelete:
		delete(m.objects, key)
		return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	return s3Error(http.StatusNotImplemented, "NotImplemented"), nil
}

// stealOnNextPut makes the next PUT find key replaced by body, as if a
// concurrent writer got in between the store's read and its write.
func (m *mockS3) stealOnNextPut(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPut = func(objects map[string]mockObject) {
		m.puts++
		objects[key] = mockObject{body: body, etag: fmt.Sprintf(`"stolen-%d"`, m.puts)}
		m.onPut = nil
	}
}

func (m *mockS3) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	prefix := q.Get("prefix")
	after := q.Get("continuation-token")

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	truncated := len(keys) > m.pageSize
	if truncated {
		keys = keys[:m.pageSize]
	}
	fmt.Fprintf(&b, "<IsTruncated>%t</IsTruncated>", truncated)
	if truncated {
		b.WriteString("<NextContinuationToken>")
		_ = xml.EscapeText(&b, []byte(keys[len(keys)-1]))
		b.WriteString("</NextContinuationToken>")
	}
	for _, k := range keys {
		b.WriteString("<Contents><Key>")
		_ = xml.EscapeText(&b, []byte(k))
		fmt.Fprintf(&b, "</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", len(m.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

func s3Error(status int, code string) *http.Response {
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

// decodeAWSChunked decodes an aws-chunked payload:
// <hex>[;ext]\r\n<data>\r\n ... 0\r\n[trailers]\r\n.
func decodeAWSChunked(b []byte) ([]byte, bool) {
	var out []byte
	rest := b
	for {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			return nil, false
		}
		header := string(rest[:idx])
		if semi := strings.IndexByte(header, ';'); semi >= 0 {
			header = header[:semi]
		}
		size, err := strconv.ParseInt(header, 16, 64)
		if err != nil || size < 0 {
			return nil, false
		}
		rest = rest[idx+2:]
		if size == 0 {
			return out, true
		}
		if int64(len(rest)) < size+2 {
			return nil, false
		}
		out = append(out, rest[:size]...)
		rest = rest[size+2:]
	}
}
