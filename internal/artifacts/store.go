// Package artifacts implements the ArtifactStore component: durable,
// content-addressed persistence for produced objects. Each artifact is one
// data file plus a JSON ".meta" sidecar in a single flat directory, written
// atomically via temp-file-then-rename, grounded on the teacher's
// LocalStore (internal/artifacts/local_store.go in the teacher tree) and
// SubagentRegistry (internal/multiagent/subagent_registry.go) persistence
// idiom.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// refPrefix is prepended to every artifact id to form its public reference.
const refPrefix = "artifact:"

// Ref formats an artifact id as the opaque reference handed to callers.
func Ref(id string) string { return refPrefix + id }

// ParseRef extracts the bare id from a "artifact:<uuid>" reference.
func ParseRef(ref string) (string, bool) {
	if len(ref) <= len(refPrefix) || ref[:len(refPrefix)] != refPrefix {
		return "", false
	}
	return ref[len(refPrefix):], true
}

// Store is the filesystem-backed ArtifactStore.
type Store struct {
	mu      sync.RWMutex
	dir     string
	logger  *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

type meta struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Meta      map[string]any `json:"meta,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	IsBinary  bool           `json:"isBinary"`
	MimeType  string         `json:"mimeType,omitempty"`
	Ext       string         `json:"ext"`
}

// Put persists content under a freshly generated id and returns its
// reference. content is either a UTF-8 string (structured/text artifacts)
// or raw bytes (binary artifacts); binary detection follows a null-byte /
// invalid-UTF8 heuristic when content is supplied as bytes without an
// explicit mimeType hint.
func (s *Store) Put(artifactType string, content any, extraMeta map[string]any, messageID string) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	data, isBinary, mimeType, ext, err := s.encode(artifactType, content, extraMeta)
	if err != nil {
		return "", err
	}

	m := meta{
		ID:        id,
		Type:      artifactType,
		Meta:      extraMeta,
		MessageID: messageID,
		CreatedAt: now,
		IsBinary:  isBinary,
		MimeType:  mimeType,
		Ext:       ext,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dataPath := filepath.Join(s.dir, id+ext)
	if err := writeAtomic(dataPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact data: %w", err)
	}
	metaBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	metaPath := s.metaPath(id)
	if err := writeAtomic(metaPath, metaBytes, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return "", fmt.Errorf("write artifact meta: %w", err)
	}
	s.logger.Debug("artifact stored", "id", id, "type", artifactType, "isBinary", isBinary)
	return Ref(id), nil
}

// SaveUploadedFile is Put specialized for a user-supplied file upload: it
// preserves the original filename and resolves a generic mimeType from the
// extension when one was not supplied.
func (s *Store) SaveUploadedFile(data []byte, filename, mimeType string) (string, map[string]any, error) {
	if mimeType == "" {
		mimeType = mimeTypeForExt(filepath.Ext(filename))
	}
	extra := map[string]any{"filename": filename, "mimeType": mimeType}
	ref, err := s.Put(mimeType, data, extra, "")
	if err != nil {
		return "", nil, err
	}
	return ref, extra, nil
}

// Get loads an artifact by reference. Structured/text content is returned
// in ArtifactContent.Text; binary content is returned in .Bytes.
func (s *Store) Get(ref string) (*domain.ArtifactContent, error) {
	id, ok := ParseRef(ref)
	if !ok {
		return nil, orcherr.New(orcherr.CodeArtifactNotFound, "malformed artifact reference")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	metaBytes, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, orcherr.New(orcherr.CodeArtifactNotFound, ref)
		}
		return nil, fmt.Errorf("read artifact meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(metaBytes, &m); err != nil {
		return nil, fmt.Errorf("parse artifact meta: %w", err)
	}

	dataPath := filepath.Join(s.dir, id+m.Ext)
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, orcherr.New(orcherr.CodeArtifactNotFound, ref)
		}
		return nil, fmt.Errorf("read artifact data: %w", err)
	}

	out := &domain.ArtifactContent{
		Artifact: domain.Artifact{
			ID:        m.ID,
			Type:      m.Type,
			Meta:      m.Meta,
			MessageID: m.MessageID,
			CreatedAt: m.CreatedAt,
			IsBinary:  m.IsBinary,
			MimeType:  m.MimeType,
		},
	}
	if m.IsBinary {
		out.Bytes = raw
	} else {
		out.Text = string(raw)
	}
	return out, nil
}

// metaPath never collides with a data file: "meta" is reserved as an
// extension no mimeType maps to.
func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta")
}

func (s *Store) encode(artifactType string, content any, extraMeta map[string]any) (data []byte, isBinary bool, mimeType string, ext string, err error) {
	if extraMeta != nil {
		if mt, ok := extraMeta["mimeType"].(string); ok {
			mimeType = mt
		}
	}
	switch v := content.(type) {
	case []byte:
		data = v
		if mimeType != "" {
			isBinary = !strings.HasPrefix(mimeType, "text/") && mimeType != "application/json"
		} else {
			isBinary = looksBinary(v)
			mimeType = artifactType
		}
		ext = extForMime(mimeType)
	case string:
		data = []byte(v)
		isBinary = false
		if mimeType == "" {
			mimeType = artifactType
		}
		ext = ".txt"
		if artifactType == "json" || mimeType == "application/json" {
			ext = ".json"
		}
	default:
		marshaled, merr := json.Marshal(v)
		if merr != nil {
			return nil, false, "", "", fmt.Errorf("encode artifact content: %w", merr)
		}
		data = marshaled
		isBinary = false
		mimeType = "application/json"
		ext = ".json"
	}
	return data, isBinary, mimeType, ext, nil
}

// looksBinary applies the null-byte / invalid-UTF8 heuristic to decide
// whether raw bytes should be treated as binary content.
func looksBinary(b []byte) bool {
	const sniffLen = 8000
	sample := b
	if len(sample) > sniffLen {
		sample = sample[:sniffLen]
	}
	for _, c := range sample {
		if c == 0 {
			return true
		}
	}
	return !isValidUTF8(sample)
}

func isValidUTF8(b []byte) bool {
	for len(b) > 0 {
		r, size := decodeRune(b)
		if r == 0xFFFD && size == 1 {
			return false
		}
		b = b[size:]
	}
	return true
}

// decodeRune is a tiny local UTF-8 decoder so this package does not need
// the unicode/utf8 DecodeRune call spread across multiple sites; kept
// simple since it only needs to detect invalid sequences.
func decodeRune(b []byte) (rune, int) {
	if len(b) == 0 {
		return 0xFFFD, 0
	}
	c := b[0]
	switch {
	case c < 0x80:
		return rune(c), 1
	case c&0xE0 == 0xC0 && len(b) >= 2:
		return rune(c), 2
	case c&0xF0 == 0xE0 && len(b) >= 3:
		return rune(c), 3
	case c&0xF8 == 0xF0 && len(b) >= 4:
		return rune(c), 4
	default:
		return 0xFFFD, 1
	}
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/pdf":
		return ".pdf"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	default:
		return ".bin"
	}
}

func mimeTypeForExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by an atomic rename, matching the pattern used throughout the
// teacher tree (subagent registry persistence, local artifact store).
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
