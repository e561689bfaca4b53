// Package history keeps an append-only trail of every durable note save. The
// sync protocol treats the persistence store's timestamp as authoritative;
// the git trail makes that authoritative state auditable after the fact.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"notehub/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Service stores one git repository per user under baseDir, with one file per
// note keyed by course/lesson/note id.
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

// RecordSave commits the note's current content. Saving identical content is
// a no-op that returns the existing head commit.
func (s *Service) RecordSave(note store.Note) (store.CommitInfo, error) {
	lock := s.userLock(note.UserID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(note.UserID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relPath := notePath(note.CourseID, note.LessonID, note.ID)
	absPath := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create note dir: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(note.Content), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write note file: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add note: %w", err)
	}

	message := fmt.Sprintf("Save note %s (lesson %s)", note.ID, note.LessonID)
	hash, err := worktree.Commit(message, commitOptions(note.UserID))
	if errors.Is(err, git.ErrEmptyCommit) {
		return s.headInfo(repo)
	}
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit note save: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// RecordDelete commits the removal of the note's file.
func (s *Service) RecordDelete(note store.Note) (store.CommitInfo, error) {
	lock := s.userLock(note.UserID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(note.UserID)
	if err != nil {
		return store.CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	relPath := notePath(note.CourseID, note.LessonID, note.ID)
	if _, err := worktree.Remove(relPath); err != nil {
		// Nothing committed for this note yet; nothing to record.
		return s.headInfo(repo)
	}

	message := fmt.Sprintf("Delete note %s (lesson %s)", note.ID, note.LessonID)
	hash, err := worktree.Commit(message, commitOptions(note.UserID))
	if errors.Is(err, git.ErrEmptyCommit) {
		return s.headInfo(repo)
	}
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit note delete: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists the commits that touched one note, newest first.
func (s *Service) History(userID, courseID, lessonID, noteID string, limit int) ([]store.CommitInfo, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []store.CommitInfo{}, nil
		}
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return []store.CommitInfo{}, nil
	}

	relPath := notePath(courseID, lessonID, noteID)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), FileName: &relPath})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) ensureRepo(userID string) (*git.Repository, error) {
	path := s.repoPath(userID)
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

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ".notehub"), []byte(userID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write repo marker: %w", err)
	}
	if _, err := worktree.Add(".notehub"); err != nil {
		return nil, fmt.Errorf("git add repo marker: %w", err)
	}
	hash, err := worktree.Commit("Initialize note history", commitOptions(userID))
	if err != nil {
		return nil, fmt.Errorf("commit repo baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) headInfo(repo *git.Repository) (store.CommitInfo, error) {
	head, err := repo.Head()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read head commit: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, userID)
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[userID] = lock
	return lock
}

func notePath(courseID, lessonID, noteID string) string {
	return courseID + "/" + lessonID + "/" + noteID + ".md"
}

func commitOptions(userID string) *git.CommitOptions {
	return &git.CommitOptions{
		Author: &object.Signature{
			Name:  userID,
			Email: fmt.Sprintf("%s@local.notehub.dev", userID),
			When:  time.Now(),
		},
	}
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
