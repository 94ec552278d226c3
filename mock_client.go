package main

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MockObjectClient is an in-memory ObjectClient. PutIfAbsent has real
// conditional-write semantics under the mutex, so concurrent lock
// acquisition races behave the way the store would.
type MockObjectClient struct {
	mu      sync.Mutex
	objects map[string]mockObject

	UploadRequests []string
	DeleteRequests []string

	// error injections
	UploadErr error
	ListErr   error

	ListCalls int
}

type mockObject struct {
	body         []byte
	size         int64
	lastModified time.Time
	etag         string
	metadata     map[string]string
}

func NewMockObjectClient() *MockObjectClient {
	return &MockObjectClient{
		objects:        make(map[string]mockObject),
		UploadRequests: make([]string, 0),
		DeleteRequests: make([]string, 0),
	}
}

// SeedObject places an object directly into the fake store.
func (m *MockObjectClient) SeedObject(key string, size int64, lastModified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = mockObject{
		size:         size,
		lastModified: lastModified,
		etag:         fmt.Sprintf("%x", md5.Sum([]byte(key))),
	}
}

func (m *MockObjectClient) HasObject(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *MockObjectClient) ListObjects(ctx context.Context, bucket, prefix string) (map[string]RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	if m.ListErr != nil {
		return nil, m.ListErr
	}

	remotes := make(map[string]RemoteObject)
	for key, obj := range m.objects {
		rel := relativeKey(key, prefix)
		if rel == "" {
			continue
		}
		remotes[rel] = RemoteObject{
			RelPath:      rel,
			Size:         obj.size,
			LastModified: obj.lastModified,
			ETag:         obj.etag,
		}
	}
	return remotes, nil
}

func (m *MockObjectClient) Upload(ctx context.Context, bucket, key string, body io.Reader, metadata map[string]string) (RemoteObject, error) {
	data, readErr := io.ReadAll(body)
	if readErr != nil {
		return RemoteObject{}, readErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadRequests = append(m.UploadRequests, key)
	if m.UploadErr != nil {
		return RemoteObject{}, m.UploadErr
	}

	obj := mockObject{
		body:         data,
		size:         int64(len(data)),
		lastModified: time.Now(),
		etag:         fmt.Sprintf("%x", md5.Sum(data)),
		metadata:     metadata,
	}
	m.objects[key] = obj
	return RemoteObject{
		RelPath:      key,
		Size:         obj.size,
		LastModified: obj.lastModified,
		ETag:         obj.etag,
	}, nil
}

func (m *MockObjectClient) PutIfAbsent(ctx context.Context, bucket, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists {
		return fmt.Errorf("%s already exists: %w", key, ErrPreconditionFailed)
	}
	m.objects[key] = mockObject{
		body:         body,
		size:         int64(len(body)),
		lastModified: time.Now(),
		etag:         fmt.Sprintf("%x", md5.Sum(body)),
	}
	return nil
}

func (m *MockObjectClient) HeadObject(ctx context.Context, bucket, key string) (RemoteObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, exists := m.objects[key]
	if !exists {
		return RemoteObject{}, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return RemoteObject{
		RelPath:      key,
		Size:         obj.size,
		LastModified: obj.lastModified,
		ETag:         obj.etag,
	}, nil
}

func (m *MockObjectClient) DeleteObject(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteRequests = append(m.DeleteRequests, key)
	delete(m.objects, key)
	return nil
}

// BackdateObject rewinds an object's LastModified, used to simulate
// stale lock markers and aged remote copies.
func (m *MockObjectClient) BackdateObject(key string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, exists := m.objects[key]; exists {
		obj.lastModified = time.Now().Add(-age)
		m.objects[key] = obj
	}
}

// LockMarkers returns the lock marker keys currently present.
func (m *MockObjectClient) LockMarkers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	markers := make([]string, 0)
	for key := range m.objects {
		if strings.Contains(key, internalPrefix+"locks/") {
			markers = append(markers, key)
		}
	}
	return markers
}
