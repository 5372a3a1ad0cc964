package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/aichat/errors"
	"github.com/sirupsen/logrus"
)

const (
	dataFileName      = "sessions.json"
	llmConfigFileName = "llm_config.json"
	globalLogBucket   = "__global__"
)

// FileStore keeps every conversation of one project in a single JSON file
// inside the project's data directory. Each mutation rewrites the file
// atomically while holding a lock on the directory, so stores in other
// processes see it whole.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

type storeMeta struct {
	MessageSeq int64 `json:"message_seq"`
	LogSeq     int64 `json:"log_seq"`
}

type storeState struct {
	Sessions []Info                     `json:"sessions"`
	Messages map[string][]StoredMessage `json:"messages"`
	Logs     map[string][]LogRecord     `json:"logs"`
	Meta     storeMeta                  `json:"meta"`
}

// SessionUpdate lists the session fields to change; nil fields are kept.
type SessionUpdate struct {
	Title *string
	Mode  *string
}

var (
	openMu sync.Mutex
	opened = map[string]*FileStore{}
)

// OpenFileStore opens (creating if needed) the store rooted at dir. Every
// call for the same directory returns the same store.
func OpenFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve data directory %s", dir)
	}
	openMu.Lock()
	defer openMu.Unlock()
	if s, ok := opened[abs]; ok {
		return s, nil
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create data directory")
	}
	s := &FileStore{dir: abs, now: time.Now}
	if err := s.update(func(*storeState) error { return nil }); err != nil {
		return nil, err
	}
	opened[abs] = s
	return s, nil
}

func (s *FileStore) Dir() string { return s.dir }

// CreateSession starts a new conversation and returns its metadata.
func (s *FileStore) CreateSession(ctx context.Context, title, mode string) (*Info, error) {
	if title == "" {
		title = "New Chat"
	}
	if mode == "" {
		mode = "chat"
	}
	var info Info
	err := s.update(func(st *storeState) error {
		now := s.now()
		info = Info{ID: uuid.NewString(), Title: title, Mode: mode, CreatedAt: now, UpdatedAt: now}
		st.Sessions = append([]Info{info}, st.Sessions...)
		st.Messages[info.ID] = []StoredMessage{}
		st.Logs[info.ID] = []LogRecord{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSession returns the session with the given id.
func (s *FileStore) GetSession(ctx context.Context, id string) (*Info, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, info := range st.Sessions {
		if info.ID == id {
			return &info, nil
		}
	}
	return nil, errors.Errorf(errors.ErrNotFound, "session not found: %s", id)
}

// ListSessions returns all sessions, most recently updated first.
func (s *FileStore) ListSessions(ctx context.Context) ([]Info, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	out := append([]Info(nil), st.Sessions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// UpdateSession changes title and/or mode of a session.
func (s *FileStore) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*Info, error) {
	var found *Info
	err := s.update(func(st *storeState) error {
		for i := range st.Sessions {
			if st.Sessions[i].ID != id {
				continue
			}
			if upd.Title != nil {
				st.Sessions[i].Title = *upd.Title
			}
			if upd.Mode != nil {
				st.Sessions[i].Mode = *upd.Mode
			}
			st.Sessions[i].UpdatedAt = s.now()
			info := st.Sessions[i]
			found = &info
			return nil
		}
		return errors.Errorf(errors.ErrNotFound, "session not found: %s", id)
	})
	return found, err
}

// DeleteSession removes a session with its messages and logs.
func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	return s.update(func(st *storeState) error {
		kept := st.Sessions[:0]
		for _, info := range st.Sessions {
			if info.ID != id {
				kept = append(kept, info)
			}
		}
		st.Sessions = kept
		delete(st.Messages, id)
		delete(st.Logs, id)
		return nil
	})
}

func (s *FileStore) AppendMessage(ctx context.Context, sessionID, role string, payload any) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize message payload")
	}
	return s.update(func(st *storeState) error {
		st.Meta.MessageSeq++
		now := s.now()
		st.Messages[sessionID] = append(st.Messages[sessionID], StoredMessage{
			ID:        st.Meta.MessageSeq,
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			CreatedAt: now,
		})
		for i := range st.Sessions {
			if st.Sessions[i].ID == sessionID {
				st.Sessions[i].UpdatedAt = now
				break
			}
		}
		return nil
	})
}

// ListMessages returns the messages of a session in append order.
func (s *FileStore) ListMessages(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	out := append([]StoredMessage(nil), st.Messages[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) AppendLog(ctx context.Context, rec LogRecord) error {
	return s.update(func(st *storeState) error {
		st.Meta.LogSeq++
		rec.ID = st.Meta.LogSeq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		bucket := rec.SessionID
		if bucket == "" {
			bucket = globalLogBucket
		}
		st.Logs[bucket] = append(st.Logs[bucket], rec)
		return nil
	})
}

// ListLogs returns the audit records of a session, newest first.
func (s *FileStore) ListLogs(ctx context.Context, sessionID string) ([]LogRecord, error) {
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	out := append([]LogRecord(nil), st.Logs[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// LoadProviderConfig decodes the persisted provider configuration into v.
// It reports false when nothing has been saved yet.
func (s *FileStore) LoadProviderConfig(ctx context.Context, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, llmConfigFileName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "could not read provider config")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "could not parse provider config")
	}
	return true, nil
}

func (s *FileStore) SaveProviderConfig(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withDirLock(s.dir, func() error {
		return writeJSONAtomic(filepath.Join(s.dir, llmConfigFileName), v)
	})
}

func (s *FileStore) read() (*storeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st *storeState
	err := withDirLock(s.dir, func() error {
		var err error
		st, err = s.load()
		return err
	})
	return st, err
}

func (s *FileStore) update(fn func(st *storeState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withDirLock(s.dir, func() error {
		st, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(st); err != nil {
			return err
		}
		return s.save(st)
	})
}

func (s *FileStore) load() (*storeState, error) {
	path := filepath.Join(s.dir, dataFileName)
	st := &storeState{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	default:
		if err := json.Unmarshal(data, st); err != nil {
			// Keep the damaged file for inspection instead of overwriting it.
			backup := fmt.Sprintf("%s.corrupt-%d", path, s.now().UnixNano())
			if rerr := os.Rename(path, backup); rerr != nil {
				return nil, errors.Wrapf(err, "session file %s is corrupt and could not be moved aside", path)
			}
			logrus.WithError(err).WithFields(logrus.Fields{"path": path, "backup": backup}).Warn("session file is corrupt, starting over")
			st = &storeState{}
		}
	}
	if st.Sessions == nil {
		st.Sessions = []Info{}
	}
	if st.Messages == nil {
		st.Messages = map[string][]StoredMessage{}
	}
	if st.Logs == nil {
		st.Logs = map[string][]LogRecord{}
	}
	return st, nil
}

func (s *FileStore) save(st *storeState) error {
	return writeJSONAtomic(filepath.Join(s.dir, dataFileName), st)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s", filepath.Base(path))
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %s", filepath.Base(path))
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0644)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "failed to replace %s", path)
	}
	return nil
}
