package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/readers"
	"golang.org/x/sync/errgroup"
)

var ErrNoDocuments = errors.New("no documents to add")

type DocStore interface {
	Path() string
	Loaded() bool
	Load(ctx context.Context) error
	Create(ctx context.Context, chunks []docstore.Chunk) error
	Append(ctx context.Context, chunks []docstore.Chunk) error
	Count(ctx context.Context) (int, error)
	ListSources(ctx context.Context) ([]docstore.SourceInfo, error)
	Backup(ctx context.Context) (string, error)
	Replace(ctx context.Context, chunks []docstore.Chunk, policy docstore.BackupPolicy) (string, error)
}

type FileReader interface {
	CanRead(path string) bool
	Read(ctx context.Context, path string, opts readers.Options) ([]readers.Unit, error)
}

type Chunkifier interface {
	Split(units []readers.Unit) []docstore.Chunk
}

type IndexState int

const (
	StateAbsent IndexState = iota
	StateInitializing
	StateReady
	StateUpdating
	StateBackingUp
	StateReplacing
	StateFailed
)

func (s IndexState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateUpdating:
		return "updating"
	case StateBackingUp:
		return "backing_up"
	case StateReplacing:
		return "replacing"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Listing struct {
	Initialized bool                  `json:"initialized"`
	Count       int                   `json:"count"`
	Sources     []docstore.SourceInfo `json:"sources"`
}

type SkippedSource struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type AddReport struct {
	Before  int             `json:"before"`
	After   int             `json:"after"`
	Added   int             `json:"added"`
	Sources []string        `json:"sources"`
	Skipped []SkippedSource `json:"skipped,omitempty"`
}

type ReplaceReport struct {
	Backup  string          `json:"backup,omitempty"`
	Count   int             `json:"count"`
	Sources []string        `json:"sources"`
	Skipped []SkippedSource `json:"skipped,omitempty"`
}

// DocRegistry runs every operation that changes the index. Operations are
// serialized; queries go straight to the store and never wait for them.
type DocRegistry struct {
	log        *slog.Logger
	store      DocStore
	chunkifier Chunkifier
	readers    []FileReader
	ocr        readers.OCRCapability

	mu      sync.Mutex
	stateMu sync.RWMutex
	state   IndexState
}

func NewDocRegistry(store DocStore, chunkifier Chunkifier, ocr readers.OCRCapability, log *slog.Logger) *DocRegistry {
	return &DocRegistry{
		log:        log,
		store:      store,
		chunkifier: chunkifier,
		ocr:        ocr,
	}
}

func (dr *DocRegistry) RegisterReader(readers ...FileReader) {
	dr.readers = append(dr.readers, readers...)
}

func (dr *DocRegistry) State() IndexState {
	dr.stateMu.RLock()
	defer dr.stateMu.RUnlock()
	return dr.state
}

func (dr *DocRegistry) setState(s IndexState) {
	dr.stateMu.Lock()
	prev := dr.state
	dr.state = s
	dr.stateMu.Unlock()

	if prev != s {
		dr.log.Debug("index state changed", "from", prev.String(), "to", s.String())
	}
}

// Open loads an existing snapshot if there is one.
func (dr *DocRegistry) Open(ctx context.Context) error {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	err := dr.store.Load(ctx)
	switch {
	case err == nil:
		dr.setState(StateReady)
		dr.log.Info("index loaded", "path", dr.store.Path())
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		dr.setState(StateAbsent)
		dr.log.Info("no index found, waiting for initialization", "path", dr.store.Path())
		return nil
	default:
		return fmt.Errorf("failed to open index: %w", err)
	}
}

// List reports what is indexed. An index that was never initialized is not
// an error.
func (dr *DocRegistry) List(ctx context.Context) (Listing, error) {
	if !dr.store.Loaded() {
		err := dr.store.Load(ctx)
		if errors.Is(err, docstore.ErrNotFound) {
			return Listing{Sources: []docstore.SourceInfo{}}, nil
		}
		if err != nil {
			return Listing{}, fmt.Errorf("failed to load index: %w", err)
		}
		dr.markLoaded()
	}

	count, err := dr.store.Count(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to count chunks: %w", err)
	}

	sources, err := dr.store.ListSources(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("failed to list sources: %w", err)
	}

	return Listing{Initialized: true, Count: count, Sources: sources}, nil
}

func (dr *DocRegistry) markLoaded() {
	dr.stateMu.Lock()
	defer dr.stateMu.Unlock()
	if dr.state == StateAbsent {
		dr.state = StateReady
	}
}

// Add indexes the given sources on top of the current index, creating it when
// there is none. Sources that cannot be read are logged and skipped.
func (dr *DocRegistry) Add(ctx context.Context, paths []string, ocr bool) (AddReport, error) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if ocr && !dr.ocr.Available {
		return AddReport{}, fmt.Errorf("%w: OCR requested: %s", docstore.ErrCapabilityUnavailable, dr.ocr.Reason)
	}

	var report AddReport
	var chunks []docstore.Chunk
	read, errs := dr.readSources(ctx, paths, ocr)
	for i, path := range paths {
		if errs[i] != nil {
			dr.log.Warn("skipping source", "path", path, "err", errs[i])
			report.Skipped = append(report.Skipped, SkippedSource{Path: path, Reason: errs[i].Error()})
			continue
		}

		chunks = append(chunks, read[i]...)
		report.Sources = append(report.Sources, path)
	}

	if len(chunks) == 0 {
		return report, fmt.Errorf("%w: none of %d sources produced any text", ErrNoDocuments, len(paths))
	}

	loaded, err := dr.ensureLoaded(ctx)
	if err != nil {
		return report, err
	}

	if loaded {
		report.Before, err = dr.store.Count(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to count chunks: %w", err)
		}

		dr.setState(StateUpdating)
		err = dr.store.Append(ctx, chunks)
		dr.setState(StateReady)
		if err != nil {
			return report, fmt.Errorf("failed to add %d chunks: %w", len(chunks), err)
		}
	} else {
		dr.setState(StateInitializing)
		if err := dr.store.Create(ctx, chunks); err != nil {
			dr.setState(StateAbsent)
			return report, fmt.Errorf("failed to create index: %w", err)
		}
		dr.setState(StateReady)
	}

	report.Added = len(chunks)
	report.After, err = dr.store.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to count chunks: %w", err)
	}

	if report.After != report.Before+report.Added {
		return report, fmt.Errorf("%w: index holds %d chunks, expected %d", docstore.ErrPersistence,
			report.After, report.Before+report.Added)
	}

	dr.log.Info("sources added", "sources", report.Sources, "skipped", len(report.Skipped),
		"before", report.Before, "after", report.After)
	return report, nil
}

func (dr *DocRegistry) ensureLoaded(ctx context.Context) (bool, error) {
	if dr.store.Loaded() {
		return true, nil
	}

	err := dr.store.Load(ctx)
	switch {
	case err == nil:
		dr.setState(StateReady)
		return true, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to load index: %w", err)
	}
}

// Replace rebuilds the index from paths alone. Everything is read and chunked
// before the index is touched; the previous snapshot is backed up first.
// Sources that pass preflight but cannot be read are logged and skipped.
func (dr *DocRegistry) Replace(ctx context.Context, paths []string, ocr bool) (ReplaceReport, error) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if err := dr.preflight(paths, ocr); err != nil {
		return ReplaceReport{}, err
	}

	var report ReplaceReport
	var chunks []docstore.Chunk
	read, errs := dr.readSources(ctx, paths, ocr)
	for i, path := range paths {
		if errs[i] != nil {
			dr.log.Warn("skipping source", "path", path, "err", errs[i])
			report.Skipped = append(report.Skipped, SkippedSource{Path: path, Reason: errs[i].Error()})
			continue
		}

		chunks = append(chunks, read[i]...)
		report.Sources = append(report.Sources, path)
	}

	if len(chunks) == 0 {
		return report, fmt.Errorf("%w: none of %d sources produced any text", ErrNoDocuments, len(paths))
	}

	prev := dr.State()

	dr.setState(StateBackingUp)
	backup, err := dr.store.Backup(ctx)
	switch {
	case err == nil:
		report.Backup = backup
		dr.log.Info("index backed up", "backup", backup)
		dr.setState(StateReplacing)
	case errors.Is(err, docstore.ErrNotFound):
		dr.setState(StateInitializing)
	default:
		dr.log.Warn("index backup failed, continuing with replace", "err", err)
		dr.setState(StateReplacing)
	}

	if _, err := dr.store.Replace(ctx, chunks, docstore.BackupSkip); err != nil {
		dr.recoverFromReplace(ctx, prev, err)
		return report, fmt.Errorf("failed to replace index: %w", err)
	}
	dr.setState(StateReady)

	report.Count, err = dr.store.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to count chunks: %w", err)
	}

	dr.log.Info("index replaced", "sources", report.Sources, "skipped", len(report.Skipped),
		"chunks", report.Count, "backup", report.Backup)
	return report, nil
}

// Initialize builds the index from a single source, replacing any existing one.
func (dr *DocRegistry) Initialize(ctx context.Context, path string, ocr bool) (ReplaceReport, error) {
	return dr.Replace(ctx, []string{path}, ocr)
}

func (dr *DocRegistry) preflight(paths []string, ocr bool) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no sources given", ErrNoDocuments)
	}

	var errs []error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s", docstore.ErrNotFound, path))
			continue
		}
		if _, err := dr.findReader(path); err != nil {
			errs = append(errs, err)
		}
	}

	if ocr && !dr.ocr.Available {
		errs = append(errs, fmt.Errorf("%w: OCR requested: %s", docstore.ErrCapabilityUnavailable, dr.ocr.Reason))
	}

	return errors.Join(errs...)
}

func (dr *DocRegistry) recoverFromReplace(ctx context.Context, prev IndexState, cause error) {
	err := dr.store.Load(ctx)
	switch {
	case err == nil:
		dr.setState(StateReady)
		dr.log.Warn("replace failed, previous index still serving", "err", cause)
	case errors.Is(err, docstore.ErrNotFound) && prev == StateAbsent:
		dr.setState(StateAbsent)
		dr.log.Warn("initialization failed", "err", cause)
	default:
		dr.setState(StateFailed)
		dr.log.Error("replace failed and previous index cannot be loaded", "err", cause, "load_err", err)
	}
}

// readSources reads paths in parallel. Results and errors are indexed like paths.
func (dr *DocRegistry) readSources(ctx context.Context, paths []string, ocr bool) ([][]docstore.Chunk, []error) {
	chunks := make([][]docstore.Chunk, len(paths))
	errs := make([]error, len(paths))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			chunks[i], errs[i] = dr.readSource(ctx, path, ocr)
			return nil
		})
	}
	_ = g.Wait()

	return chunks, errs
}

func (dr *DocRegistry) readSource(ctx context.Context, path string, ocr bool) ([]docstore.Chunk, error) {
	reader, err := dr.findReader(path)
	if err != nil {
		return nil, err
	}

	units, err := reader.Read(ctx, path, readers.Options{OCR: ocr})
	if err != nil {
		return nil, err
	}

	chunks := dr.chunkifier.Split(units)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no text extracted from %s", docstore.ErrExtraction, path)
	}

	return chunks, nil
}

func (dr *DocRegistry) findReader(path string) (FileReader, error) {
	for _, r := range dr.readers {
		if r.CanRead(path) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("unable to find reader for file type %q: %s", filepath.Ext(path), path)
}

// Watch feeds files dropped into dir to Add. Bursts of events are merged:
// a batch is processed once no new event has arrived for delay.
func (dr *DocRegistry) Watch(ctx context.Context, dir string, delay time.Duration, ocr bool) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go dr.watch(ctx, w, delay, ocr)
	return nil
}

func (dr *DocRegistry) watch(ctx context.Context, w *fsnotify.Watcher, delay time.Duration, ocr bool) {
	defer w.Close()

	pending := make(map[string]struct{})
	timer := time.NewTimer(delay)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !dr.watchable(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(delay)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			dr.log.Warn("watcher error", "err", err)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)

			if _, err := dr.Add(ctx, paths, ocr); err != nil {
				dr.log.Error("failed to add watched files", "files", paths, "err", err)
			}
		}
	}
}

func (dr *DocRegistry) watchable(path string) bool {
	name := filepath.Base(path)
	if name == "" || name[0] == '.' {
		return false
	}

	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}

	_, err = dr.findReader(path)
	return err == nil
}
