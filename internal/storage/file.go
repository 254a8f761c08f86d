package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"comparium/internal/maint"
	logx "comparium/pkg/logx"
)

// fileStore is the memory driver made durable without a database.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutation records)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// Close. Journal records carry a sequence number and the snapshot stores the
// last one it covers, so a crash between the snapshot rename and the journal
// truncate does not replay events twice.
type fileStore struct {
	*memStore

	log          logx.Logger
	snapshotPath string
	journalFile  *os.File
	seq          uint64
	writes       int
	compactEvery int
}

type snapshot struct {
	Seq           uint64               `json:"seq"`
	Schedules     []maint.Schedule     `json:"schedules"`
	Events        []maint.Event        `json:"events"`
	Notifications []maint.Notification `json:"notifications"`
	Parents       []Parent             `json:"parents"`
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

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	snapSeq, err := loadSnapshot(snapPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, lastSeq, err := replayJournal(journalPath, snapSeq, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		seq:          max(snapSeq, lastSeq),
		compactEvery: 1000,
	}
	mem.journal = fs.appendLocked
	log.Info("file store opened", logx.String("path", prefix), logx.Int("replayed", replayed))
	return fs, nil
}

// appendLocked runs under memStore.mu.
func (s *fileStore) appendLocked(rec record) error {
	if s.journalFile == nil {
		return errClosed
	}
	rec.Seq = s.seq + 1
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.seq = rec.Seq
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Blocks on mu until the caller has applied rec.
		go s.compact()
	}
	return nil
}

func (s *fileStore) compact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	if s.journalFile == nil {
		return nil
	}
	snap := snapshot{Seq: s.seq}
	for _, v := range s.schedules {
		snap.Schedules = append(snap.Schedules, v)
	}
	snap.Events = append(snap.Events, s.events...)
	for _, v := range s.notifications {
		snap.Notifications = append(snap.Notifications, v)
	}
	for _, v := range s.parents {
		snap.Parents = append(snap.Parents, v)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journalFile.Close()
	s.journalFile = nil
	s.closed = true
	if cerr != nil {
		return cerr
	}
	return err
}

// loadSnapshot returns the last journal sequence the snapshot covers.
func loadSnapshot(path string, into *memStore) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return 0, err
	}
	for _, v := range snap.Schedules {
		into.schedules[v.ID] = v
	}
	into.events = append(into.events, snap.Events...)
	for _, v := range snap.Notifications {
		into.notifications[v.ID] = v
	}
	for _, v := range snap.Parents {
		into.parents[v.ID] = v
	}
	return snap.Seq, nil
}

// replayJournal applies every decodable line newer than covered; a torn final
// line from a crash is skipped. It returns the applied count and the highest
// sequence seen.
func replayJournal(path string, covered uint64, into *memStore) (int, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	var last uint64
	for sc.Scan() {
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || !rec.valid() {
			continue
		}
		last = max(last, rec.Seq)
		if rec.Seq != 0 && rec.Seq <= covered {
			continue
		}
		into.applyLocked(rec)
		n++
	}
	return n, last, sc.Err()
}

func (r record) valid() bool {
	switch r.Op {
	case opPutSchedule:
		return r.Schedule != nil
	case opAppendEvent:
		return r.Event != nil
	case opComplete:
		return r.Schedule != nil && r.Event != nil
	case opPutNotif:
		return r.Notification != nil
	case opPutParent:
		return r.Parent != nil
	case opDeleteSchedule, opMarkRead, opMarkDismissed:
		return r.ID != ""
	case opPurge:
		return !r.At.IsZero()
	}
	return false
}
