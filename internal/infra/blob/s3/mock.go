package s3

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const metaHeaderPrefix = "X-Amz-Meta-"

// NewMockForTests returns a Store backed by an in-process fake S3 transport. It
// understands the subset of the API the blob contract uses, including user
// metadata headers and ListObjectsV2 pagination.
func NewMockForTests() *Store {
	return newMock(&fakeS3{objects: make(map[string]fakeObject), pageSize: 1000})
}

func newMock(rt *fakeS3) *Store {
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return newWithClient(client, "mock-bucket")
}

type fakeObject struct {
	body        []byte
	contentType string
	meta        http.Header
	modified    time.Time
}

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]fakeObject
	pageSize int
}

type listResult struct {
	XMLName               xml.Name      `xml:"ListBucketResult"`
	IsTruncated           bool          `xml:"IsTruncated"`
	NextContinuationToken string        `xml:"NextContinuationToken,omitempty"`
	Contents              []listContent `xml:"Contents"`
}

type listContent struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req)
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound, nil, nil), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(obj.body))},
			"Content-Type":   {obj.contentType},
			"Etag":           {"\"" + fmt.Sprintf("%x", len(obj.body)) + "\""},
			"Last-Modified":  {obj.modified.Format(http.TimeFormat)},
		}
		for k, v := range obj.meta {
			h[k] = v
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, h, nil), nil
		}
		return respond(http.StatusOK, h, obj.body), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		meta := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(http.CanonicalHeaderKey(k), metaHeaderPrefix) {
				meta[http.CanonicalHeaderKey(k)] = v
			}
		}
		f.objects[key] = fakeObject{body: body, contentType: req.Header.Get("Content-Type"), meta: meta, modified: time.Now().UTC()}
		return respond(http.StatusOK, http.Header{"Etag": {"\"etag\""}}, nil), nil
	case http.MethodDelete:
		delete(f.objects, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (f *fakeS3) list(req *http.Request) (*http.Response, error) {
	q := req.URL.Query()
	prefix := q.Get("prefix")
	start, _ := strconv.Atoi(q.Get("continuation-token"))
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if start > len(keys) {
		start = len(keys)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}
	res := listResult{}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		res.Contents = append(res.Contents, listContent{Key: k, Size: len(obj.body), LastModified: obj.modified.Format(time.RFC3339)})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.NextContinuationToken = strconv.Itoa(end)
	}
	b, err := xml.Marshal(res)
	if err != nil {
		return nil, err
	}
	return respond(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, b), nil
}

func respond(status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewReader(body))}
}

// decodeChunked unwraps a single-chunk aws-chunked payload:
// <hex-size>[;chunk-signature=...]\r\n<body>\r\n0\r\n<trailers>
func decodeChunked(b []byte) ([]byte, bool) {
	head, rest, ok := bytes.Cut(b, []byte("\r\n"))
	if !ok {
		return nil, false
	}
	sizeHex, _, _ := strings.Cut(string(head), ";")
	size, err := strconv.ParseInt(sizeHex, 16, 64)
	if err != nil || size < 0 || int64(len(rest)) < size+2 {
		return nil, false
	}
	if !bytes.HasPrefix(rest[size:], []byte("\r\n0")) {
		return nil, false
	}
	return rest[:size], true
}
