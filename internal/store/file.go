package store

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
	"time"

	logx "pinrelay/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on Flush)
//   - <prefix>.journal.jsonl (append-only journal since last snapshot)
//
// Mutations stage in memory and append one journal line; Flush compacts the
// journal into the snapshot. Load order is snapshot first, then journal
// replay, so a crash between appends loses at most the unflushed tail of the
// last sweep, never previously flushed state.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	relayTTL time.Duration

	actions map[string]Action // identity key -> action
	relays  map[string]RelayRecord
	nextSeq uint64

	dirty        bool // journal holds lines the snapshot does not
	journalLines int
}

// journalCompactEvery bounds journal growth between flushes. Append compacts
// past this many lines, so the journal stays bounded even when no sweep ever
// calls Flush.
const journalCompactEvery = 1024

type journalRecord struct {
	Op     string       `json:"op"` // put_action, del_action, claim, copies
	Action *Action      `json:"action,omitempty"`
	Relay  *RelayRecord `json:"relay,omitempty"`
}

type snapshotState struct {
	NextSeq uint64                 `json:"next_seq"`
	Actions []Action               `json:"actions"`
	Relays  map[string]RelayRecord `json:"relays"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		relayTTL:     cfg.RelayTTL,
		actions:      map[string]Action{},
		relays:       map[string]RelayRecord{},
		nextSeq:      1,
	}

	// Past-due actions are kept on load so they execute on the first sweep.
	if err := s.loadSnapshot(snapPath); err != nil && !os.IsNotExist(err) {
		log.Warn("store snapshot unreadable; starting from journal only", logx.Err(err), logx.String("path", snapPath))
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		log.Warn("store journal replay incomplete", logx.Err(err), logx.String("path", journalPath))
	}
	// A replayed journal is flushed away on the next Flush.
	s.dirty = s.journalLines > 0

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var st snapshotState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for _, a := range st.Actions {
		s.actions[a.Key()] = a
		if a.Seq >= s.nextSeq {
			s.nextSeq = a.Seq + 1
		}
	}
	if st.Relays != nil {
		s.relays = st.Relays
	}
	if st.NextSeq > s.nextSeq {
		s.nextSeq = st.NextSeq
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn tail line from a crash mid-append; stop replay there.
			break
		}
		s.journalLines++
		switch r.Op {
		case "put_action":
			if r.Action != nil {
				s.actions[r.Action.Key()] = *r.Action
				if r.Action.Seq >= s.nextSeq {
					s.nextSeq = r.Action.Seq + 1
				}
			}
		case "del_action":
			if r.Action != nil {
				delete(s.actions, r.Action.Key())
			}
		case "claim":
			if r.Relay != nil {
				if _, ok := s.relays[r.Relay.SourceID]; !ok {
					s.relays[r.Relay.SourceID] = *r.Relay
				}
			}
		case "copies":
			if r.Relay != nil {
				rec, ok := s.relays[r.Relay.SourceID]
				if !ok {
					rec = *r.Relay
				} else {
					rec.Copies = append(rec.Copies, r.Relay.Copies...)
					rec.UpdatedAt = r.Relay.UpdatedAt
				}
				s.relays[r.Relay.SourceID] = rec
			}
		}
	}
	return sc.Err()
}

func (s *fileStore) append(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("store journal closed")
	}
	// Compact before writing: the snapshot then reflects the state prior to
	// this mutation and the fresh journal line survives the truncate.
	if s.journalLines >= journalCompactEvery {
		if err := s.compactLocked(); err != nil {
			return err
		}
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.journalLines++
	s.dirty = true
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) Enqueue(ctx context.Context, a Action) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[a.Key()]; ok {
		return false, nil
	}
	a.Seq = s.nextSeq
	s.nextSeq++
	if err := s.append(journalRecord{Op: "put_action", Action: &a}); err != nil {
		return false, err
	}
	s.actions[a.Key()] = a
	return true, nil
}

func (s *fileStore) DueBefore(ctx context.Context, now time.Time) ([]Action, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Action
	for _, a := range s.actions {
		if !a.DueAt.After(now) {
			due = append(due, a)
		}
	}
	// Global insertion order; per-tenant FIFO follows from it.
	sortActionsBySeq(due)
	return due, nil
}

func (s *fileStore) Remove(ctx context.Context, a Action) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actions[a.Key()]; !ok {
		return nil
	}
	if err := s.append(journalRecord{Op: "del_action", Action: &a}); err != nil {
		return err
	}
	delete(s.actions, a.Key())
	return nil
}

func (s *fileStore) IncrementRetry(ctx context.Context, a Action) (Action, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.actions[a.Key()]
	if !ok {
		a.Retries++
		return a, nil
	}
	cur.Retries++
	if err := s.append(journalRecord{Op: "put_action", Action: &cur}); err != nil {
		return cur, err
	}
	s.actions[cur.Key()] = cur
	return cur, nil
}

func (s *fileStore) ClaimRelay(ctx context.Context, tenantID, sourceID string) (bool, error) {
	_ = ctx
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.relays[sourceID]; ok {
		return false, nil
	}
	rec := RelayRecord{SourceID: sourceID, TenantID: tenantID, UpdatedAt: time.Now().UTC()}
	if err := s.append(journalRecord{Op: "claim", Relay: &rec}); err != nil {
		return false, err
	}
	s.relays[sourceID] = rec
	return true, nil
}

func (s *fileStore) AddRelayCopies(ctx context.Context, sourceID string, copies []RelayCopy) error {
	_ = ctx
	if len(copies) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.relays[sourceID]
	if !ok {
		return errors.New("relay record not claimed: " + sourceID)
	}
	delta := RelayRecord{SourceID: sourceID, TenantID: rec.TenantID, Copies: copies, UpdatedAt: time.Now().UTC()}
	if err := s.append(journalRecord{Op: "copies", Relay: &delta}); err != nil {
		return err
	}
	rec.Copies = append(rec.Copies, copies...)
	rec.UpdatedAt = delta.UpdatedAt
	s.relays[sourceID] = rec
	return nil
}

func (s *fileStore) GetRelay(ctx context.Context, sourceID string) (RelayRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.relays[sourceID]
	if !ok {
		return RelayRecord{}, false, nil
	}
	cp := rec
	cp.Copies = append([]RelayCopy(nil), rec.Copies...)
	return cp, true, nil
}

// Flush compacts the journal into the snapshot and prunes expired relay
// records. This is the single durable write per sweep. A clean store with
// nothing to prune is a no-op, so quiet sweeps stay cheap.
func (s *fileStore) Flush(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty && !s.expiredRelaysLocked(time.Now()) {
		return nil
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	s.pruneRelaysLocked(time.Now())

	st := snapshotState{NextSeq: s.nextSeq, Relays: s.relays, Actions: make([]Action, 0, len(s.actions))}
	for _, a := range s.actions {
		st.Actions = append(st.Actions, a)
	}
	sortActionsBySeq(st.Actions)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journalFile == nil {
		return errors.New("store journal closed")
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journalFile.Seek(0, 2); err != nil {
		return err
	}
	s.dirty = false
	s.journalLines = 0
	return nil
}

func (s *fileStore) expiredRelaysLocked(now time.Time) bool {
	cutoff := now.Add(-s.relayTTL)
	for _, rec := range s.relays {
		if rec.UpdatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func (s *fileStore) pruneRelaysLocked(now time.Time) {
	cutoff := now.Add(-s.relayTTL)
	n := 0
	for id, rec := range s.relays {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.relays, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("pruned expired relay records", logx.Int("count", n))
	}
}

func sortActionsBySeq(as []Action) {
	sort.Slice(as, func(i, j int) bool { return as[i].Seq < as[j].Seq })
}
