package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"shockclock/pkg/logx"
)

// fileStore keeps the whole state in memory and persists it as:
//   - <prefix>.snapshot.json (compacted state)
//   - <prefix>.journal.jsonl (append-only ops since the snapshot)
//   - <prefix>.audit.jsonl   (append-only audit trail)
//
// The journal is folded into the snapshot every compactEvery writes and on Compact.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	audit        *os.File

	state  fileState
	writes int
}

const compactEvery = 1000

type fileState struct {
	Users       map[string]struct{}               `json:"-"`
	UserList    []string                          `json:"users"`
	Paused      map[string]struct{}               `json:"-"`
	PausedList  []string                          `json:"paused,omitempty"`
	Alarms      map[string]map[string]AlarmRecord `json:"alarms"`
	Credentials map[string]Credential             `json:"credentials"`
}

type journalOp struct {
	Op     string       `json:"op"` // put_alarm | del_alarm | put_cred | add_user | set_paused
	User   string       `json:"user"`
	Name   string       `json:"name,omitempty"`
	Paused bool         `json:"paused,omitempty"`
	Alarm  *AlarmRecord `json:"alarm,omitempty"`
	Cred   *Credential  `json:"cred,omitempty"`
}

func newFileState() fileState {
	return fileState{
		Users:       map[string]struct{}{},
		Paused:      map[string]struct{}{},
		Alarms:      map[string]map[string]AlarmRecord{},
		Credentials: map[string]Credential{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := newFileState()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal only", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		audit:        af,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) ListAlarms(_ context.Context, user string) ([]AlarmRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	m := s.state.Alarms[user]
	out := make([]AlarmRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *fileStore) PutAlarm(_ context.Context, user string, rec AlarmRecord) error {
	return s.apply(journalOp{Op: "put_alarm", User: user, Name: rec.Name, Alarm: &rec})
}

func (s *fileStore) DeleteAlarm(_ context.Context, user, name string) error {
	return s.apply(journalOp{Op: "del_alarm", User: user, Name: name})
}

func (s *fileStore) GetCredential(_ context.Context, user string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Credential{}, ErrClosed
	}
	c, ok := s.state.Credentials[user]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *fileStore) PutCredential(_ context.Context, user string, cred Credential) error {
	return s.apply(journalOp{Op: "put_cred", User: user, Cred: &cred})
}

func (s *fileStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.state.Users))
	for u := range s.state.Users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AddUser(_ context.Context, user string) error {
	return s.apply(journalOp{Op: "add_user", User: user})
}

func (s *fileStore) SetPaused(_ context.Context, user string, paused bool) error {
	s.mu.Lock()
	_, known := s.state.Users[user]
	s.mu.Unlock()
	if !known {
		return nil
	}
	return s.apply(journalOp{Op: "set_paused", User: user, Paused: paused})
}

func (s *fileStore) ListActiveUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.state.Users))
	for u := range s.state.Users {
		if _, paused := s.state.Paused[u]; !paused {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

// apply journals op, then mutates memory. A failed journal write leaves
// memory untouched so the caller's error matches what is on disk.
func (s *fileStore) apply(op journalOp) error {
	if strings.TrimSpace(op.User) == "" {
		return errors.New("storage: empty user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.state.apply(op)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(op journalOp) {
	switch op.Op {
	case "put_alarm":
		if op.Alarm == nil {
			return
		}
		m := st.Alarms[op.User]
		if m == nil {
			m = map[string]AlarmRecord{}
			st.Alarms[op.User] = m
		}
		m[op.Alarm.Name] = *op.Alarm
	case "del_alarm":
		if m := st.Alarms[op.User]; m != nil {
			delete(m, op.Name)
			if len(m) == 0 {
				delete(st.Alarms, op.User)
			}
		}
	case "put_cred":
		if op.Cred != nil {
			st.Credentials[op.User] = *op.Cred
		}
	case "add_user":
		st.Users[op.User] = struct{}{}
	case "set_paused":
		if op.Paused {
			st.Paused[op.User] = struct{}{}
		} else {
			delete(st.Paused, op.User)
		}
	}
}

func (s *fileStore) compactLocked() error {
	st := s.state
	st.UserList = make([]string, 0, len(st.Users))
	for u := range st.Users {
		st.UserList = append(st.UserList, u)
	}
	sort.Strings(st.UserList)
	st.PausedList = make([]string, 0, len(st.Paused))
	for u := range st.Paused {
		st.PausedList = append(st.PausedList, u)
	}
	sort.Strings(st.PausedList)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileState
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, u := range snap.UserList {
		st.Users[u] = struct{}{}
	}
	for _, u := range snap.PausedList {
		st.Paused[u] = struct{}{}
	}
	for u, m := range snap.Alarms {
		cp := make(map[string]AlarmRecord, len(m))
		for k, v := range m {
			cp[k] = v
		}
		st.Alarms[u] = cp
	}
	for u, c := range snap.Credentials {
		st.Credentials[u] = c
	}
	return nil
}

// replayJournal applies every decodable line; torn or garbage lines are skipped.
func replayJournal(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.User == "" {
			continue
		}
		st.apply(op)
	}
	return sc.Err()
}
