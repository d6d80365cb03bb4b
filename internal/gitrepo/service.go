// Package gitrepo keeps the approved-baseline history of every sheet in a
// git repository of its own. Each approval is one commit.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nattyright/grail-kun/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	baselineFile = "baseline.json"
	textFile     = "sheet.txt"
)

// Commit describes one recorded baseline.
type Commit struct {
	Hash       string    `json:"hash"`
	Message    string    `json:"message"`
	Approver   string    `json:"approver"`
	GlobalHash string    `json:"globalHash"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordBaseline commits snap as the sheet's newest approved baseline,
// creating the repository on first use. Re-approving identical content
// still produces a commit so every approval is visible.
func (s *Service) RecordBaseline(_ context.Context, sheet store.Sheet, snap store.Snapshot) error {
	lock := s.sheetLock(sheet.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(sheet.ID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, baselineFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", baselineFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, textFile), []byte(renderText(snap)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", textFile, err)
	}
	for _, name := range []string{baselineFile, textFile} {
		if _, err := worktree.Add(name); err != nil {
			return fmt.Errorf("git add %s: %w", name, err)
		}
	}

	approver := snap.By
	if approver == "" || approver == store.SystemActor {
		approver = "automatic"
	}
	when := snap.At
	if when.IsZero() {
		when = time.Now().UTC()
	}
	message := fmt.Sprintf("Approve baseline %s\n\nsheet=%s owner=%s approver=%s",
		shortHash(snap.GlobalHash), sheet.ID, sheet.OwnerID, approver)
	_, err = worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  approver,
			Email: fmt.Sprintf("%s@sheetwatch.local", sanitizeEmail(approver)),
			When:  when,
		},
	})
	if err != nil {
		return fmt.Errorf("commit baseline: %w", err)
	}
	return nil
}

// History lists recorded baselines newest first. A sheet that was never
// approved has an empty history.
func (s *Service) History(sheetID string, limit int) ([]Commit, error) {
	lock := s.sheetLock(sheetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sheetID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		item := toCommit(commitObj)
		if snap, err := readBaseline(commitObj); err == nil {
			item.GlobalHash = snap.GlobalHash
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Baseline returns the snapshot recorded by the commit hash (full or
// abbreviated).
func (s *Service) Baseline(sheetID, hash string) (store.Snapshot, error) {
	lock := s.sheetLock(sheetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sheetID))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return store.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readBaseline(commitObj)
}

func (s *Service) openOrInit(sheetID string) (*git.Repository, error) {
	path := s.repoPath(sheetID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(sheetID string) string {
	return filepath.Join(s.baseDir, sheetID)
}

func (s *Service) sheetLock(sheetID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sheetID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sheetID] = lock
	return lock
}

// renderText lays the sections out in key order so plain git diffs between
// baselines stay readable.
func renderText(snap store.Snapshot) string {
	keys := make([]string, 0, len(snap.Sections))
	for key := range snap.Sections {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		section := snap.Sections[key]
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", section.Title, section.Text)
	}
	return b.String()
}

func readBaseline(commitObj *object.Commit) (store.Snapshot, error) {
	file, err := commitObj.File(baselineFile)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load %s from commit: %w", baselineFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("open baseline reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("read baseline bytes: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("decode baseline: %w", err)
	}
	return snap, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Approver:  commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
