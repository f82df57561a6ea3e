package s3store_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/tastemate/pkg/profile"
	"github.com/MrWong99/tastemate/pkg/profile/s3store"
)

// fakeS3 is a path-style object store serving GET, PUT, HEAD and DELETE.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newStore(t *testing.T) (*s3store.Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := s3store.New(s3store.Config{
		Bucket:          "tastemate",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Prefix:          "profiles",
	}, "ada")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fake
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("Load = %v, want ErrNotFound", err)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	s, fake := newStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &profile.UserProfile{Name: "Ada", Hobbies: []string{"chess"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fake.mu.Lock()
	body, ok := fake.objects["/tastemate/profiles/ada.json"]
	fake.mu.Unlock()
	if !ok {
		t.Fatalf("object not stored under the path-style key; have %v", fake.objects)
	}
	if !strings.Contains(string(body), `"name":"Ada"`) {
		t.Errorf("stored body = %s", body)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "Ada" || len(got.Hobbies) != 1 {
		t.Errorf("got %+v", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if err := s.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("Load after Delete = %v, want ErrNotFound", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := s3store.New(s3store.Config{}, "ada"); err == nil {
		t.Error("expected error for missing bucket")
	}
	if _, err := s3store.New(s3store.Config{Bucket: "b"}, ""); err == nil {
		t.Error("expected error for missing id")
	}
	s, err := s3store.New(s3store.Config{Bucket: "b"}, "ada")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Key() != "ada.json" {
		t.Errorf("Key = %q", s.Key())
	}
}
