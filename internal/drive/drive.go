// Package drive implements the user side of the share gateway: a local
// store of drive content served over HTTP per share token, plus the client
// that registers shares at a relay so the relay can proxy visitors here.
package drive

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crypto/rand"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// filesDir holds drive content under the data directory as
// drive_files/<id>_<name>.
const filesDir = "drive_files"

// File is one stored drive entry.
type File struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	AddedAt  int64  `json:"addedAt"`
	DiskPath string `json:"-"`
}

// Share maps a share token onto a set of drive files.
type Share struct {
	Token     string   `json:"token"`
	FileIDs   []string `json:"fileIds"`
	CreatedAt int64    `json:"createdAt"`
}

// Store owns drive files and shares.
type Store struct {
	mu     sync.RWMutex
	dir    string
	files  map[string]*File
	shares map[string]*Share
	log    *logrus.Entry
}

// NewStore creates a drive store rooted under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, filesDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create drive dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		files:  make(map[string]*File),
		shares: make(map[string]*Share),
		log:    logrus.WithField("component", "drive"),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan rebuilds the file index from disk.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan drive dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, name, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.files[id] = &File{
			ID:       id,
			Name:     name,
			Size:     info.Size(),
			AddedAt:  info.ModTime().Unix(),
			DiskPath: filepath.Join(s.dir, e.Name()),
		}
	}
	return nil
}

func newID() string {
	var raw [8]byte
	rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

// AddFile copies content into the drive under a fresh ID.
func (s *Store) AddFile(name string, content io.Reader) (*File, error) {
	id := newID()
	path := filepath.Join(s.dir, id+"_"+filepath.Base(name))
	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive file: %w", err)
	}
	size, err := io.Copy(out, content)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write drive file: %w", err)
	}

	f := &File{
		ID:       id,
		Name:     filepath.Base(name),
		Size:     size,
		AddedAt:  time.Now().Unix(),
		DiskPath: path,
	}
	s.mu.Lock()
	s.files[id] = f
	s.mu.Unlock()
	return f, nil
}

// RemoveFile deletes a drive file and drops it from any share.
func (s *Store) RemoveFile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("drive file %s not found", id)
	}
	delete(s.files, id)
	for _, share := range s.shares {
		for i, fid := range share.FileIDs {
			if fid == id {
				share.FileIDs = append(share.FileIDs[:i], share.FileIDs[i+1:]...)
				break
			}
		}
	}
	return os.Remove(f.DiskPath)
}

// Files lists all drive files.
func (s *Store) Files() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, *f)
	}
	return out
}

// CreateShare groups files under a fresh opaque token.
func (s *Store) CreateShare(fileIDs []string) (*Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range fileIDs {
		if _, ok := s.files[id]; !ok {
			return nil, fmt.Errorf("drive file %s not found", id)
		}
	}
	share := &Share{
		Token:     newID() + newID(),
		FileIDs:   append([]string(nil), fileIDs...),
		CreatedAt: time.Now().Unix(),
	}
	s.shares[share.Token] = share
	return share, nil
}

// RemoveShare forgets a token.
func (s *Store) RemoveShare(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, token)
}

// resolve returns the file behind token/name, or the share's listing when
// name is empty.
func (s *Store) resolve(token, name string) (*Share, *File) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	share, ok := s.shares[token]
	if !ok {
		return nil, nil
	}
	if name == "" {
		return share, nil
	}
	for _, id := range share.FileIDs {
		if f, ok := s.files[id]; ok && f.Name == name {
			return share, f
		}
	}
	return share, nil
}

// Handler serves the drive over HTTP: GET /drive/{token} lists the share,
// GET /drive/{token}/{name} streams one file. This is the origin the relay
// share proxy forwards to.
func (s *Store) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/drive/{token}", s.serve)
	r.Get("/drive/{token}/*", s.serve)
	return r
}

func (s *Store) serve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	name := chi.URLParam(r, "*")

	share, file := s.resolve(token, name)
	if share == nil {
		http.Error(w, "unknown share", http.StatusNotFound)
		return
	}

	if name == "" {
		// Listing of the share's contents.
		s.mu.RLock()
		listing := make([]File, 0, len(share.FileIDs))
		for _, id := range share.FileIDs {
			if f, ok := s.files[id]; ok {
				listing = append(listing, *f)
			}
		}
		s.mu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listing)
		return
	}
	if file == nil {
		http.Error(w, "file not in share", http.StatusNotFound)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(file.Name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", file.Name))
	http.ServeFile(w, r, file.DiskPath)
}

// RelayClient registers drive shares at a relay's share proxy.
type RelayClient struct {
	relayURL string
	http     *http.Client
}

// NewRelayClient targets the relay's HTTP endpoint.
func NewRelayClient(relayURL string) *RelayClient {
	return &RelayClient{
		relayURL: strings.TrimRight(relayURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Register announces a share token and its origin URL to the relay.
func (c *RelayClient) Register(token, originURL, ownerWallet string) error {
	body, err := json.Marshal(map[string]string{
		"token":        token,
		"origin_url":   originURL,
		"owner_wallet": ownerWallet,
	})
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.relayURL+"/api/drive/relay-register", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay registration failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay registration returned %d", resp.StatusCode)
	}
	return nil
}

// Unregister withdraws a share token from the relay.
func (c *RelayClient) Unregister(token string) error {
	req, err := http.NewRequest(http.MethodDelete, c.relayURL+"/api/drive/relay-register/"+token, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay deregistration failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("relay deregistration returned %d", resp.StatusCode)
	}
	return nil
}
