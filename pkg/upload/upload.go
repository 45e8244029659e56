// Package upload stores files produced by tools and hands back a URL the
// caller can fetch them from.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxSize is the largest file a tool may upload.
const MaxSize = 20 << 20

// ErrTooLarge is returned for uploads above MaxSize.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Input is one file to store.
type Input struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Result is where a stored file can be fetched.
type Result struct {
	AccessURL string `json:"accessUrl"`
}

// Uploader stores files.
type Uploader interface {
	Upload(ctx context.Context, in Input) (Result, error)
}

// LocalStore keeps uploads in a directory on local disk and serves them
// under PublicURL + "/files/".
type LocalStore struct {
	dir       string
	publicURL string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir, publicURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &LocalStore{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,16}$`)

// Upload writes in under a random name that keeps the original extension.
func (s *LocalStore) Upload(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(in.Data) > MaxSize {
		return Result{}, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(in.Data), MaxSize)
	}
	if len(in.Data) == 0 {
		return Result{}, errors.New("upload is empty")
	}

	name := uuid.NewString()
	if ext := filepath.Ext(in.Filename); extPattern.MatchString(ext) {
		name += strings.ToLower(ext)
	}

	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, in.Data, 0o644); err != nil {
		return Result{}, fmt.Errorf("writing upload: %w", err)
	}
	return Result{AccessURL: s.publicURL + "/files/" + name}, nil
}

// Handler serves stored files. Mount it at "/files/".
func (s *LocalStore) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.StripPrefix("/files/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only flat names produced by Upload; no directory listings.
		if r.URL.Path == "" || strings.Contains(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	}))
}
