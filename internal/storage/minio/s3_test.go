package minio

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// s3Server is an in-memory bucket server covering the calls BlobStore makes:
// bucket head and create, object put, get and delete, list v2 and
// multi-object delete.
type s3Server struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newS3Server(t *testing.T) (*s3Server, string) {
	t.Helper()
	s := &s3Server{buckets: make(map[string]map[string][]byte)}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, strings.TrimPrefix(srv.URL, "http://")
}

type s3Error struct {
	XMLName    xml.Name `xml:"Error"`
	Code       string
	Message    string
	BucketName string `xml:",omitempty"`
	Key        string `xml:",omitempty"`
}

type listEntry struct {
	Key          string
	LastModified string
	ETag         string
	Size         int64
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string
	Prefix      string
	KeyCount    int
	MaxKeys     int
	IsTruncated bool
	Contents    []listEntry
}

type deleteRequest struct {
	Objects []struct {
		Key string
	} `xml:"Object"`
}

type deletedEntry struct {
	Key string
}

type deleteResult struct {
	XMLName xml.Name       `xml:"DeleteResult"`
	Deleted []deletedEntry `xml:"Deleted"`
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(v)
}

// readBody undoes the aws-chunked framing used by streaming signatures.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") &&
		!strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		return io.ReadAll(r.Body)
	}
	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func (s *s3Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	query := r.URL.Query()
	objects, exists := s.buckets[bucket]

	if key == "" {
		switch {
		case r.Method == http.MethodHead:
			if !exists {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			if !exists {
				s.buckets[bucket] = make(map[string][]byte)
			}
			w.WriteHeader(http.StatusOK)
		case !exists:
			writeXML(w, http.StatusNotFound, s3Error{Code: "NoSuchBucket", Message: "no such bucket", BucketName: bucket})
		case r.Method == http.MethodGet && query.Has("location"):
			writeXML(w, http.StatusOK, struct {
				XMLName xml.Name `xml:"LocationConstraint"`
			}{})
		case r.Method == http.MethodGet && query.Get("list-type") == "2":
			prefix := query.Get("prefix")
			res := listResult{Name: bucket, Prefix: prefix, MaxKeys: 1000}
			for k, data := range objects {
				if strings.HasPrefix(k, prefix) {
					res.Contents = append(res.Contents, listEntry{
						Key:          k,
						LastModified: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
						ETag:         etag(data),
						Size:         int64(len(data)),
					})
				}
			}
			sort.Slice(res.Contents, func(i, j int) bool { return res.Contents[i].Key < res.Contents[j].Key })
			res.KeyCount = len(res.Contents)
			writeXML(w, http.StatusOK, res)
		case r.Method == http.MethodPost && query.Has("delete"):
			var req deleteRequest
			if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
				writeXML(w, http.StatusBadRequest, s3Error{Code: "MalformedXML", Message: err.Error()})
				return
			}
			var res deleteResult
			for _, o := range req.Objects {
				delete(objects, o.Key)
				res.Deleted = append(res.Deleted, deletedEntry{Key: o.Key})
			}
			writeXML(w, http.StatusOK, res)
		default:
			writeXML(w, http.StatusNotImplemented, s3Error{Code: "NotImplemented", Message: r.Method + " " + r.URL.String()})
		}
		return
	}

	if !exists {
		writeXML(w, http.StatusNotFound, s3Error{Code: "NoSuchBucket", Message: "no such bucket", BucketName: bucket})
		return
	}
	switch r.Method {
	case http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			writeXML(w, http.StatusBadRequest, s3Error{Code: "IncompleteBody", Message: err.Error()})
			return
		}
		objects[key] = data
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		data, ok := objects[key]
		if !ok {
			writeXML(w, http.StatusNotFound, s3Error{Code: "NoSuchKey", Message: "no such key", BucketName: bucket, Key: key})
			return
		}
		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeXML(w, http.StatusNotImplemented, s3Error{Code: "NotImplemented", Message: r.Method})
	}
}
