package attachments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pliu/chatroom/internal/apperr"
	"github.com/pliu/chatroom/internal/models"
)

// URLPrefix is where attachments are served from.
const URLPrefix = "/attachments/"

var (
	extPattern   = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)
	imageFormats = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true}
)

// Store keeps uploaded files on local disk under an opaque reference of the
// form "<uuid><ext>". Messages only ever carry the reference.
type Store struct {
	dir      string
	maxBytes int64
}

func New(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Save copies r to disk and returns the new reference and the message kind
// that fits the file.
func (s *Store) Save(r io.Reader, filename string) (string, string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	ref := uuid.NewString() + ext

	f, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", "", apperr.Storage("create upload", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", "", apperr.Storage("write upload", err)
	}
	if n > s.maxBytes {
		return "", "", apperr.Validation("file exceeds %d bytes", s.maxBytes)
	}
	if n == 0 {
		return "", "", apperr.Validation("file is empty")
	}

	if err := os.Rename(tmp, filepath.Join(s.dir, ref)); err != nil {
		return "", "", apperr.Storage("store upload", err)
	}
	return ref, KindFor(ref), nil
}

// Open returns the stored file for ref.
func (s *Store) Open(ref string) (*os.File, error) {
	if !ValidRef(ref) {
		return nil, apperr.NotFound("attachment %q", ref)
	}
	f, err := os.Open(filepath.Join(s.dir, ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("attachment %q", ref)
	}
	return f, err
}

// URL resolves a reference to the path it is served under.
func (s *Store) URL(ref string) (string, error) {
	if !ValidRef(ref) {
		return "", apperr.Validation("invalid attachment reference %q", ref)
	}
	return URLPrefix + ref, nil
}

// Exists reports whether ref was uploaded and is still on disk.
func (s *Store) Exists(ref string) (bool, error) {
	if !ValidRef(ref) {
		return false, apperr.Validation("invalid attachment reference %q", ref)
	}
	info, err := os.Stat(filepath.Join(s.dir, ref))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// ValidRef reports whether ref has the shape Save produces. It keeps path
// separators and dot segments out of file lookups.
func ValidRef(ref string) bool {
	ext := filepath.Ext(ref)
	if ext != "" && !extPattern.MatchString(ext) {
		return false
	}
	_, err := uuid.Parse(strings.TrimSuffix(ref, ext))
	return err == nil && len(ref)-len(ext) == 36
}

func KindFor(ref string) string {
	if imageFormats[strings.ToLower(filepath.Ext(ref))] {
		return models.KindImage
	}
	return models.KindFile
}
