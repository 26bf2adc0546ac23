// Package storestub provides an in-memory objectstore.Client with call
// counters and failure injection for tests.
package storestub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"camvault/internal/objectstore"
)

// ErrUnavailable is the default transient failure returned by injected puts.
var ErrUnavailable = errors.New("storage temporarily unavailable")

// PutHook runs before a put is applied. A non-nil error fails the put.
type PutHook func(ctx context.Context, bucket, key, path string) error

// Calls counts invocations per operation.
type Calls struct {
	BucketExists int
	MakeBucket   int
	Put          int
	Stat         int
}

type object struct {
	data []byte
	meta map[string]string
}

type Store struct {
	mu        sync.Mutex
	buckets   map[string]struct{}
	objects   map[string]map[string]object
	calls     Calls
	failPuts  int
	failAll   bool
	putErr    error
	hook      PutHook
	bucketErr error
}

func New() *Store {
	return &Store{
		buckets: make(map[string]struct{}),
		objects: make(map[string]map[string]object),
	}
}

// FailNextPuts makes the next n puts fail with err (ErrUnavailable if nil).
func (s *Store) FailNextPuts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
	s.putErr = err
}

// FailAllPuts makes every put fail with err until reset with FailNextPuts(0, nil).
func (s *Store) FailAllPuts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = true
	s.putErr = err
}

// FailBucketChecks makes BucketExists return err.
func (s *Store) FailBucketChecks(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketErr = err
}

func (s *Store) SetPutHook(hook PutHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// AddObject seeds an object directly, bypassing counters.
func (s *Store) AddObject(bucket, key string, data []byte, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucket] = struct{}{}
	if s.objects[bucket] == nil {
		s.objects[bucket] = make(map[string]object)
	}
	s.objects[bucket][key] = object{data: append([]byte(nil), data...), meta: meta}
}

func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Keys lists the object keys stored in bucket.
func (s *Store) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects[bucket]))
	for key := range s.objects[bucket] {
		keys = append(keys, key)
	}
	return keys
}

// Object returns the stored bytes for bucket/key.
func (s *Store) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[bucket][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (s *Store) BucketExists(_ context.Context, bucket string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.BucketExists++
	if s.bucketErr != nil {
		return false, s.bucketErr
	}
	_, ok := s.buckets[bucket]
	return ok, nil
}

func (s *Store) MakeBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.MakeBucket++
	s.buckets[bucket] = struct{}{}
	return nil
}

func (s *Store) PutFile(ctx context.Context, bucket, key, path string, opts objectstore.PutOptions) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	s.calls.Put++
	hook := s.hook
	var injected error
	switch {
	case s.failAll:
		injected = s.putErr
	case s.failPuts > 0:
		s.failPuts--
		injected = s.putErr
		if injected == nil {
			injected = ErrUnavailable
		}
	}
	if s.failAll && injected == nil {
		injected = ErrUnavailable
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, bucket, key, path); err != nil {
			return objectstore.ObjectInfo{}, err
		}
	}
	if injected != nil {
		return objectstore.ObjectInfo{}, injected
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return objectstore.ObjectInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%w: bucket %s does not exist", objectstore.ErrNotFound, bucket)
	}
	if s.objects[bucket] == nil {
		s.objects[bucket] = make(map[string]object)
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	s.objects[bucket][key] = object{data: data, meta: meta}
	return objectstore.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), Metadata: meta}, nil
}

func (s *Store) Stat(_ context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Stat++
	obj, ok := s.objects[bucket][key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("%w: %s/%s", objectstore.ErrNotFound, bucket, key)
	}
	meta := make(map[string]string, len(obj.meta))
	for k, v := range obj.meta {
		meta[k] = v
	}
	return objectstore.ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(obj.data)), Metadata: meta}, nil
}
