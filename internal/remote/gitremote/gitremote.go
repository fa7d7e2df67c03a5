// Package gitremote keeps the remote dataset as a ledger.json file in a git
// repository, so any git host can act as the sync remote.
package gitremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/uuid"

	"github.com/conorfennell/knolsync/internal/domain"
	"github.com/conorfennell/knolsync/internal/remote"
)

// LedgerFile is the path of the dataset inside the repository.
const LedgerFile = "ledger.json"

const remoteName = "origin"

// Config locates the repository and names the commit author.
type Config struct {
	URL         string
	Dir         string
	Branch      string
	AuthorName  string
	AuthorEmail string
}

// Remote implements remote.Remote on top of a git working copy at
// Config.Dir. Operations are serialized.
type Remote struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]transport.AuthMethod
}

var _ remote.Remote = (*Remote)(nil)

// New returns a git remote. Nothing is cloned until the first call.
func New(cfg Config, logger *slog.Logger) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("git url is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("git working directory is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "git_remote"), slog.String("url", cfg.URL)),
		now:      time.Now,
		sessions: make(map[string]transport.AuthMethod),
	}, nil
}

// Authenticate checks that the repository is reachable with creds. An empty
// username means the transport needs no credentials (file paths, ssh agent).
func (r *Remote) Authenticate(ctx context.Context, creds remote.Credentials) (remote.Session, error) {
	if r.cfg.AuthorName == "" || r.cfg.AuthorEmail == "" {
		return remote.Session{}, remote.Auth("authenticate", errors.New("git author name and email are required"))
	}

	var auth transport.AuthMethod
	if creds.Username != "" {
		auth = &githttp.BasicAuth{Username: creds.Username, Password: creds.Password}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, _, err := r.refresh(ctx, auth); err != nil {
		return remote.Session{}, classify("authenticate", err)
	}

	token := uuid.NewString()
	r.sessions[token] = auth
	user := creds.Username
	if user == "" {
		user = r.cfg.AuthorName
	}
	return remote.Session{Token: token, User: user}, nil
}

func (r *Remote) Pull(ctx context.Context, s remote.Session, since int64) ([]remote.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	auth, err := r.session("pull", s)
	if err != nil {
		return nil, err
	}
	_, ledger, err := r.refresh(ctx, auth)
	if err != nil {
		return nil, classify("pull", err)
	}
	return ledger.Since(since), nil
}

func (r *Remote) Push(ctx context.Context, s remote.Session, changes []remote.Change) (remote.PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	auth, err := r.session("push", s)
	if err != nil {
		return remote.PushResult{}, err
	}
	repo, ledger, err := r.refresh(ctx, auth)
	if err != nil {
		return remote.PushResult{}, classify("push", err)
	}

	res := ledger.Apply(changes)
	msg := fmt.Sprintf("Apply %d changes (%d accepted)", len(changes), len(res.Accepted))
	if err := r.publish(ctx, repo, auth, ledger, msg); err != nil {
		return remote.PushResult{}, classify("push", err)
	}
	return res, nil
}

func (r *Remote) Replace(ctx context.Context, s remote.Session, cards []domain.Card) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	auth, err := r.session("replace", s)
	if err != nil {
		return 0, err
	}
	repo, ledger, err := r.refresh(ctx, auth)
	if err != nil {
		return 0, classify("replace", err)
	}

	head := ledger.Reset(cards)
	msg := fmt.Sprintf("Replace dataset with %d cards", len(cards))
	if err := r.publish(ctx, repo, auth, ledger, msg); err != nil {
		return 0, classify("replace", err)
	}
	return head, nil
}

func (r *Remote) session(op string, s remote.Session) (transport.AuthMethod, error) {
	auth, ok := r.sessions[s.Token]
	if !ok {
		return nil, remote.Auth(op, errors.New("unknown session"))
	}
	return auth, nil
}

func (r *Remote) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(r.cfg.Branch)
}

// open clones the repository into Dir if it is not there yet. An empty
// remote gets a freshly initialised working copy instead.
func (r *Remote) open(ctx context.Context, auth transport.AuthMethod) (*git.Repository, error) {
	repo, err := git.PlainOpen(r.cfg.Dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("failed to open repo at %s: %w", r.cfg.Dir, err)
	}

	r.logger.Info("cloning repository", "dir", r.cfg.Dir)
	repo, err = git.PlainCloneContext(ctx, r.cfg.Dir, false, &git.CloneOptions{
		URL:           r.cfg.URL,
		Auth:          auth,
		ReferenceName: r.branchRef(),
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, fmt.Errorf("failed to clone repo %s: %w", r.cfg.URL, err)
	}

	r.logger.Info("remote repository is empty, initialising", "dir", r.cfg.Dir)
	repo, err = git.PlainInitWithOptions(r.cfg.Dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: r.branchRef()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init repo at %s: %w", r.cfg.Dir, err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{r.cfg.URL}}); err != nil {
		return nil, fmt.Errorf("failed to add remote: %w", err)
	}
	return repo, nil
}

// refresh brings the working copy to the remote branch tip and loads the
// ledger stored there. Local commits that never reached the remote are
// discarded.
func (r *Remote) refresh(ctx context.Context, auth transport.AuthMethod) (*git.Repository, *remote.Ledger, error) {
	repo, err := r.open(ctx, auth)
	if err != nil {
		return nil, nil, err
	}

	remoteRef := plumbing.NewRemoteReferenceName(remoteName, r.cfg.Branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+%s:%s", r.branchRef(), remoteRef))},
	})
	if err != nil &&
		!errors.Is(err, git.NoErrAlreadyUpToDate) &&
		!errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, nil, fmt.Errorf("failed to fetch %s: %w", r.cfg.URL, err)
	}

	ref, err := repo.Reference(remoteRef, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return repo, remote.NewLedger(), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", remoteRef, err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(r.branchRef(), ref.Hash())); err != nil {
		return nil, nil, fmt.Errorf("failed to move %s: %w", r.branchRef(), err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return nil, nil, fmt.Errorf("failed to reset worktree: %w", err)
	}

	ledger, err := readLedger(repo, ref.Hash())
	if err != nil {
		return nil, nil, err
	}
	return repo, ledger, nil
}

func readLedger(repo *git.Repository, at plumbing.Hash) (*remote.Ledger, error) {
	commit, err := repo.CommitObject(at)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", at, err)
	}
	ledger := remote.NewLedger()
	f, err := commit.File(LedgerFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return ledger, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", LedgerFile, err)
	}
	data, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", LedgerFile, err)
	}
	if err := json.Unmarshal([]byte(data), ledger); err != nil {
		return nil, &corruptLedgerError{err: err}
	}
	return ledger, nil
}

// publish writes the ledger, commits and pushes it. An unchanged ledger is
// not committed.
func (r *Remote) publish(ctx context.Context, repo *git.Repository, auth transport.AuthMethod, ledger *remote.Ledger, msg string) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(r.cfg.Dir, LedgerFile)
	if current, err := os.ReadFile(path); err == nil && string(current) == string(data) {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", LedgerFile, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := wt.Add(LedgerFile); err != nil {
		return fmt.Errorf("failed to stage %s: %w", LedgerFile, err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: r.cfg.AuthorName, Email: r.cfg.AuthorEmail, When: r.now()},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("%s:%s", r.branchRef(), r.branchRef()))},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", hash, err)
	}
	r.logger.Debug("pushed ledger", "commit", hash.String(), "head", ledger.Head())
	return nil
}

type corruptLedgerError struct {
	err error
}

func (e *corruptLedgerError) Error() string {
	return fmt.Sprintf("%s is not a valid ledger: %v", LedgerFile, e.err)
}

func (e *corruptLedgerError) Unwrap() error { return e.err }

// classify maps go-git failures onto the remote error kinds. A rejected
// non-fast-forward push means another device pushed first, which the next
// attempt resolves.
func classify(op string, err error) error {
	var corrupt *corruptLedgerError
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return remote.Auth(op, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.As(err, &corrupt):
		return remote.Protocol(op, err)
	default:
		return remote.Transient(op, err)
	}
}
