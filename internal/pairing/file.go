package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/memohai/chatgate/internal/channel"
)

type fileState struct {
	Requests  []Request           `json:"requests"`
	AllowFrom map[string][]string `json:"allow_from"`
}

// FileStore persists pairing state as a single JSON document. Every write
// replaces the file atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
	mem  *MemoryStore
}

// OpenFileStore loads path, creating parent directories as needed.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("pairing file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	s := &FileStore{path: path, mem: NewMemoryStore()}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing file: %w", err)
	}
	var st fileState
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode pairing file: %w", err)
		}
	}
	for _, req := range st.Requests {
		s.mem.requests[req.ID] = req
	}
	for k, v := range st.AllowFrom {
		s.mem.allowFrom[k] = append([]string(nil), v...)
	}
	return s, nil
}

func (s *FileStore) ListRequests(ctx context.Context, ch channel.ChannelType) ([]Request, error) {
	return s.mem.ListRequests(ctx, ch)
}

func (s *FileStore) PutRequest(ctx context.Context, req Request) error {
	return s.mutate(func() error { return s.mem.PutRequest(ctx, req) })
}

func (s *FileStore) DeleteRequest(ctx context.Context, id string) error {
	return s.mutate(func() error { return s.mem.DeleteRequest(ctx, id) })
}

func (s *FileStore) ListAllowFrom(ctx context.Context, ch channel.ChannelType, accountID string) ([]string, error) {
	return s.mem.ListAllowFrom(ctx, ch, accountID)
}

func (s *FileStore) AddAllowFrom(ctx context.Context, ch channel.ChannelType, accountID, senderID string) error {
	return s.mutate(func() error { return s.mem.AddAllowFrom(ctx, ch, accountID, senderID) })
}

func (s *FileStore) Close() error {
	return s.mem.Close()
}

func (s *FileStore) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return s.flush()
}

func (s *FileStore) flush() error {
	s.mem.mu.Lock()
	st := fileState{
		Requests:  make([]Request, 0, len(s.mem.requests)),
		AllowFrom: make(map[string][]string, len(s.mem.allowFrom)),
	}
	for _, req := range s.mem.requests {
		st.Requests = append(st.Requests, req)
	}
	for k, v := range s.mem.allowFrom {
		st.AllowFrom[k] = v
	}
	s.mem.mu.Unlock()
	sortRequests(st.Requests)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pairing-*.json")
	if err != nil {
		return fmt.Errorf("write pairing file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pairing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write pairing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace pairing file: %w", err)
	}
	return nil
}
