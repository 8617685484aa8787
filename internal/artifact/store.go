package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/kingrea/hgcsim/internal/workflow"
)

// stagingDir holds in-flight outputs under the store root so commits are renames.
const stagingDir = ".staging"

// Store manages artifact IO rooted at the store layout.
type Store struct {
	layout *workflow.Layout
	now    func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore builds a store for a layout.
func NewStore(layout *workflow.Layout, opts ...StoreOption) *Store {
	store := &Store{
		layout: layout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Layout returns the layout the store resolves paths against.
func (s *Store) Layout() *workflow.Layout {
	return s.layout
}

// Path resolves the on-disk location of ref.
func (s *Store) Path(ref ArtifactRef) (string, error) {
	return ref.Path(s.layout)
}

// Check inspects the artifact on disk and returns its status and metadata.
func (s *Store) Check(ref ArtifactRef) (CheckResult, error) {
	path, err := ref.Path(s.layout)
	if err != nil {
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Ref: ref, Path: path, State: StateMissing}, nil
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: err}, err
	}
	if info.IsDir() {
		return invalidResult(ref, path, fmt.Errorf("artifact: expected file got directory"))
	}
	data, readErr := os.ReadFile(path + SidecarSuffix)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return invalidResult(ref, path, ErrMissingSidecar)
		}
		return CheckResult{Ref: ref, Path: path, State: StateError, Err: readErr}, readErr
	}
	meta, metaErr := ParseSidecar(data)
	if metaErr != nil {
		return invalidResult(ref, path, metaErr)
	}
	if meta.ArtifactID != ref.ID {
		return invalidResult(ref, path, fmt.Errorf("artifact: metadata id %s does not match %s", meta.ArtifactID, ref.ID))
	}
	if meta.Size != info.Size() {
		return invalidResult(ref, path, fmt.Errorf("artifact: %s size %d does not match recorded %d", ref.ID, info.Size(), meta.Size))
	}
	return CheckResult{Ref: ref, Path: path, State: StateReady, Metadata: &meta}, nil
}

// Write stores body as the artifact and records its provenance.
func (s *Store) Write(ref ArtifactRef, body []byte, meta Metadata) error {
	path, err := ref.Path(s.layout)
	if err != nil {
		return err
	}
	if body == nil {
		body = []byte{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return s.writeSidecar(path, ref, int64(len(body)), meta)
}

// Commit moves a locally produced file into its store location and records
// its provenance. localPath is consumed.
func (s *Store) Commit(ref ArtifactRef, localPath string, meta Metadata) error {
	path, err := ref.Path(s.layout)
	if err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("artifact: commit %s: %w", ref.ID, err)
	}
	if info.IsDir() {
		return fmt.Errorf("artifact: commit %s: expected file got directory", ref.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// A file without a sidecar checks as invalid, never as ready.
	_ = os.Remove(path + SidecarSuffix)
	if err := moveFile(localPath, path); err != nil {
		return fmt.Errorf("artifact: commit %s: %w", ref.ID, err)
	}
	return s.writeSidecar(path, ref, info.Size(), meta)
}

// Remove deletes the artifact and its sidecar. Missing artifacts are not an error.
func (s *Store) Remove(ref ArtifactRef) error {
	path, err := ref.Path(s.layout)
	if err != nil {
		return err
	}
	var errs error
	for _, candidate := range []string{path, path + SidecarSuffix} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Store) writeSidecar(path string, ref ArtifactRef, size int64, meta Metadata) error {
	prepared := meta.WithDefaults(ref, s.now())
	prepared.Size = size
	if err := prepared.ValidateFor(ref); err != nil {
		return err
	}
	content, err := EncodeSidecar(prepared)
	if err != nil {
		return err
	}
	return os.WriteFile(path+SidecarSuffix, content, 0o644)
}

// Staging is a scratch area for outputs that are produced locally and
// committed to the store only once the whole task succeeded.
type Staging struct {
	store *Store
	dir   string
	refs  []ArtifactRef
}

// Localize creates a staging area for refs under the store root.
func (s *Store) Localize(refs ...ArtifactRef) (*Staging, error) {
	base := filepath.Join(s.layout.Root(), stagingDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: staging dir: %w", err)
	}
	dir, err := os.MkdirTemp(base, "stage-")
	if err != nil {
		return nil, fmt.Errorf("artifact: staging dir: %w", err)
	}
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.ID]; dup {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("artifact: duplicate staged artifact %s", ref.ID)
		}
		seen[ref.ID] = struct{}{}
	}
	return &Staging{store: s, dir: dir, refs: append([]ArtifactRef{}, refs...)}, nil
}

// Dir returns the staging directory.
func (st *Staging) Dir() string {
	return st.dir
}

// Path returns the local path a producer should write ref to.
func (st *Staging) Path(ref ArtifactRef) string {
	return filepath.Join(st.dir, ref.ID+"-"+filepath.Base(ref.Name))
}

// Commit moves every staged output into the store. Either all required
// outputs end up in the store or none of them do.
func (st *Staging) Commit(meta func(ArtifactRef) Metadata) error {
	for _, ref := range st.refs {
		if _, err := os.Stat(st.Path(ref)); err != nil {
			if errors.Is(err, fs.ErrNotExist) && ref.Optional {
				continue
			}
			return fmt.Errorf("artifact: staged output %s not produced: %w", ref.ID, err)
		}
	}
	var committed []ArtifactRef
	for _, ref := range st.refs {
		local := st.Path(ref)
		if _, err := os.Stat(local); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := st.store.Commit(ref, local, meta(ref)); err != nil {
			for _, done := range committed {
				err = multierr.Append(err, st.store.Remove(done))
			}
			return err
		}
		committed = append(committed, ref)
	}
	return nil
}

// Cleanup removes the staging directory and anything left in it.
func (st *Staging) Cleanup() error {
	if st == nil || st.dir == "" {
		return nil
	}
	return os.RemoveAll(st.dir)
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst+".tmp"); err != nil {
		_ = os.Remove(dst + ".tmp")
		return err
	}
	if err := os.Rename(dst+".tmp", dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func invalidResult(ref ArtifactRef, path string, err error) (CheckResult, error) {
	return CheckResult{Ref: ref, Path: path, State: StateInvalid, Err: err}, err
}
