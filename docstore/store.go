package docstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // SQLite driver
)

// Embedder is the part of a chroma embedding function the store relies on.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([]embeddings.Embedding, error)
	EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error)
}

type BackupPolicy int

const (
	BackupAlways BackupPolicy = iota
	BackupSkip
)

const (
	currentFile   = "CURRENT"
	dbFile        = "index.db"
	genPrefix     = "gen-"
	formatVersion = "1"
	backupLayout  = "20060102_150405"
)

const schema = `
CREATE TABLE snapshot_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE chunks (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	text              TEXT NOT NULL,
	source_id         TEXT NOT NULL,
	locator           TEXT NOT NULL,
	extraction_method TEXT NOT NULL,
	title             TEXT NOT NULL DEFAULT '',
	event_type        TEXT NOT NULL DEFAULT '',
	start_date        TEXT NOT NULL DEFAULT '',
	end_date          TEXT NOT NULL DEFAULT '',
	semester          TEXT NOT NULL DEFAULT '',
	year              TEXT NOT NULL DEFAULT '',
	embedding         BLOB NOT NULL
);
CREATE INDEX chunks_source_id ON chunks (source_id);
`

type StoreConfig struct {
	Path          string
	EmbeddingFunc Embedder
	// RequestSize caps the number of characters sent in one embedding request.
	// Zero sends everything at once.
	RequestSize int
	// RequestsPerSecond throttles embedding requests. Zero disables throttling.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Store owns the persisted snapshot at a fixed location. The snapshot is a
// directory holding a CURRENT pointer and one or more generations; CURRENT is
// only ever replaced by rename, so readers see either the old or the new
// generation and nothing in between.
type Store struct {
	path        string
	ef          Embedder
	requestSize int
	limiter     *rate.Limiter
	log         *slog.Logger
	now         func() time.Time

	mu  sync.RWMutex
	db  *sql.DB
	gen string
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if cfg.EmbeddingFunc == nil {
		return nil, fmt.Errorf("%w: no embedding function configured", ErrCapabilityUnavailable)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Store{
		path:        filepath.Clean(cfg.Path),
		ef:          cfg.EmbeddingFunc,
		requestSize: cfg.RequestSize,
		limiter:     limiter,
		log:         log,
		now:         time.Now,
	}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Loaded reports whether a snapshot is open for querying.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Generation returns the name of the open generation, or "" when nothing is loaded.
func (s *Store) Generation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Create embeds the chunks and publishes them as a fresh snapshot. Nothing is
// left on disk when it fails.
func (s *Store) Create(ctx context.Context, chunks []Chunk) error {
	vectors, err := s.embed(ctx, chunks)
	if err != nil {
		return err
	}

	_, statErr := os.Stat(s.path)
	createdRoot := errors.Is(statErr, fs.ErrNotExist)
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("%w: create snapshot location %s: %w", ErrPersistence, s.path, err)
	}

	gen := genPrefix + uuid.NewString()
	db, err := s.writeGeneration(ctx, gen, chunks, vectors)
	if err != nil {
		s.discard(gen, createdRoot)
		return err
	}

	if err := s.publish(gen, db); err != nil {
		db.Close()
		s.discard(gen, createdRoot)
		return err
	}

	s.log.Info("snapshot created", "path", s.path, "generation", gen, "chunks", len(chunks))
	return nil
}

// Load opens the snapshot named by CURRENT.
func (s *Store) Load(ctx context.Context) error {
	gen, err := readCurrent(s.path)
	if err != nil {
		return err
	}

	db, err := openSnapshot(ctx, filepath.Join(s.path, gen, dbFile))
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.db
	s.db, s.gen = db, gen
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	return nil
}

// Append embeds chunks and adds them to the open snapshot in one transaction.
// Existing entries are never touched and duplicates are kept.
func (s *Store) Append(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.refresh(ctx)
	if !s.Loaded() {
		return fmt.Errorf("%w: append to %s", ErrNotInitialized, s.path)
	}

	vectors, err := s.embed(ctx, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("%w: append to %s", ErrNotInitialized, s.path)
	}

	dim, err := storedDimension(ctx, s.db)
	if err != nil {
		return fmt.Errorf("%w: read dimension of %s: %w", ErrPersistence, s.path, err)
	}
	if dim != 0 && dim != len(vectors[0]) {
		return fmt.Errorf("%w: embedding dimension %d does not match index dimension %d", ErrCapabilityUnavailable, len(vectors[0]), dim)
	}

	if err := insertChunks(ctx, s.db, chunks, vectors); err != nil {
		return fmt.Errorf("%w: append %d chunks to %s: %w", ErrPersistence, len(chunks), s.path, err)
	}

	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks in %s: %w", s.path, err)
	}

	return n, nil
}

// ListSources returns every source present in the snapshot together with the
// pages or events it contributed.
func (s *Store) ListSources(ctx context.Context) ([]SourceInfo, error) {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `SELECT source_id, locator, COUNT(*) FROM chunks GROUP BY source_id, locator`)
	if err != nil {
		return nil, fmt.Errorf("list sources in %s: %w", s.path, err)
	}
	defer rows.Close()

	bySource := make(map[string]*SourceInfo)
	for rows.Next() {
		var source, locator string
		var n int
		if err := rows.Scan(&source, &locator, &n); err != nil {
			return nil, fmt.Errorf("list sources in %s: %w", s.path, err)
		}

		info, ok := bySource[source]
		if !ok {
			info = &SourceInfo{SourceID: source}
			bySource[source] = info
		}
		info.Locators = append(info.Locators, locator)
		info.Chunks += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources in %s: %w", s.path, err)
	}

	res := make([]SourceInfo, 0, len(bySource))
	for _, info := range bySource {
		sort.Slice(info.Locators, func(i, j int) bool {
			return lessLocator(info.Locators[i], info.Locators[j])
		})
		res = append(res, *info)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SourceID < res[j].SourceID })

	return res, nil
}

// Nearest scores every chunk against vector by cosine similarity and returns
// the best k, highest first. Equal scores keep insertion order.
func (s *Store) Nearest(ctx context.Context, vector []float32, k int) ([]SearchResult, error) {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if k <= 0 {
		return []SearchResult{}, nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT text, source_id, locator, extraction_method, title, event_type,
		       start_date, end_date, semester, year, embedding
		FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}
	defer rows.Close()

	var res []SearchResult
	for rows.Next() {
		var c Chunk
		var blob []byte
		m := &c.Metadata
		err := rows.Scan(&c.Text, &m.SourceID, &m.Locator, &m.ExtractionMethod, &m.Title, &m.EventType,
			&m.StartDate, &m.EndDate, &m.Semester, &m.Year, &blob)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.path, err)
		}

		stored := bytesToFloat32Slice(blob)
		if len(stored) != len(vector) {
			return nil, fmt.Errorf("%w: query embedding dimension %d does not match index dimension %d",
				ErrCapabilityUnavailable, len(vector), len(stored))
		}

		res = append(res, SearchResult{Chunk: c, Score: cosine(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}

	sort.SliceStable(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	if len(res) > k {
		res = res[:k]
	}

	return res, nil
}

// EmbedQuery turns a search query into a vector comparable with the stored chunks.
func (s *Store) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding quota: %w", err)
	}

	e, err := s.ef.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrCapabilityUnavailable, err)
	}

	v := e.ContentAsFloat32()
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: embedding returned an empty query vector", ErrCapabilityUnavailable)
	}

	return v, nil
}

// Backup copies the live generation to <path>_backup_<timestamp>. The copy is
// a complete snapshot and can be restored by moving it to the snapshot path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	gen, err := readCurrent(s.path)
	if err != nil {
		return "", err
	}

	dest := fmt.Sprintf("%s_backup_%s", s.path, s.now().Format(backupLayout))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("%w: backup location %s already exists", ErrPersistence, dest)
	}

	db, release, err := s.openGeneration(ctx, gen)
	if err != nil {
		return "", err
	}
	defer release()

	if err := os.MkdirAll(filepath.Join(dest, gen), 0o755); err != nil {
		return "", fmt.Errorf("%w: create backup %s: %w", ErrPersistence, dest, err)
	}

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, filepath.Join(dest, gen, dbFile)); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("%w: copy snapshot to %s: %w", ErrPersistence, dest, err)
	}

	if err := writeCurrent(dest, gen); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("%w: finalize backup %s: %w", ErrPersistence, dest, err)
	}

	return dest, nil
}

// Replace backs up the current snapshot and publishes chunks in its place.
// A failed backup is logged and does not stop the replace. A failed create
// leaves the previous generation serving.
func (s *Store) Replace(ctx context.Context, chunks []Chunk, policy BackupPolicy) (string, error) {
	var backup string
	if policy == BackupAlways {
		b, err := s.Backup(ctx)
		switch {
		case err == nil:
			backup = b
			s.log.Info("snapshot backed up", "path", s.path, "backup", b)
		case errors.Is(err, ErrNotFound):
			s.log.Info("no existing snapshot to back up", "path", s.path)
		default:
			s.log.Warn("snapshot backup failed, continuing with replace", "path", s.path, "err", err)
		}
	}

	if err := s.Create(ctx, chunks); err != nil {
		return backup, err
	}

	return backup, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db, s.gen = nil, ""
	return err
}

func (s *Store) embed(ctx context.Context, chunks []Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	if len(chunks) == 0 {
		return vectors, nil
	}

	for _, bucket := range s.buckets(chunks) {
		texts := make([]string, len(bucket))
		for i, c := range bucket {
			texts[i] = c.Text
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for embedding quota: %w", err)
		}

		embs, err := s.ef.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: embedding %d chunks: %w", ErrCapabilityUnavailable, len(texts), err)
		}
		if len(embs) != len(texts) {
			return nil, fmt.Errorf("%w: embedding returned %d vectors for %d chunks", ErrCapabilityUnavailable, len(embs), len(texts))
		}

		for _, e := range embs {
			v := e.ContentAsFloat32()
			if len(v) == 0 || len(v) != len(firstOr(vectors, v)) {
				return nil, fmt.Errorf("%w: embedding returned inconsistent vector dimensions", ErrCapabilityUnavailable)
			}
			vectors = append(vectors, v)
		}
	}

	return vectors, nil
}

// buckets splits chunks into groups whose combined text fits in one request.
func (s *Store) buckets(chunks []Chunk) [][]Chunk {
	if s.requestSize <= 0 {
		return [][]Chunk{chunks}
	}

	var res [][]Chunk
	var cur []Chunk
	size := 0
	for _, c := range chunks {
		l := len(c.Text)
		if len(cur) > 0 && size+l > s.requestSize {
			res = append(res, cur)
			cur, size = nil, 0
		}
		cur = append(cur, c)
		size += l
	}
	if len(cur) > 0 {
		res = append(res, cur)
	}

	return res
}

func (s *Store) writeGeneration(ctx context.Context, gen string, chunks []Chunk, vectors [][]float32) (*sql.DB, error) {
	dir := filepath.Join(s.path, gen)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create generation %s: %w", ErrPersistence, dir, err)
	}

	db, err := openDB(filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrPersistence, dir, err)
	}

	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}

	if err := initSchema(ctx, db, dim, s.now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize %s: %w", ErrPersistence, dir, err)
	}

	if err := insertChunks(ctx, db, chunks, vectors); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: write %d chunks to %s: %w", ErrPersistence, len(chunks), dir, err)
	}

	return db, nil
}

// publish flips CURRENT to gen, adopts db as the live handle and drops the
// previous generation.
func (s *Store) publish(gen string, db *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, _ := readCurrent(s.path)
	if err := writeCurrent(s.path, gen); err != nil {
		return fmt.Errorf("%w: publish generation %s: %w", ErrPersistence, gen, err)
	}

	if s.db != nil {
		s.db.Close()
	}
	s.db, s.gen = db, gen

	if prev != "" && prev != gen {
		if err := os.RemoveAll(filepath.Join(s.path, prev)); err != nil {
			s.log.Warn("failed to remove previous generation", "path", s.path, "generation", prev, "err", err)
		}
	}

	return nil
}

func (s *Store) discard(gen string, createdRoot bool) {
	target := filepath.Join(s.path, gen)
	if createdRoot {
		target = s.path
	}

	if err := os.RemoveAll(target); err != nil {
		s.log.Warn("failed to clean up unfinished snapshot", "path", target, "err", err)
	}
}

// acquire returns the live database with the read lock held.
func (s *Store) acquire(ctx context.Context) (*sql.DB, func(), error) {
	s.refresh(ctx)

	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: load or create the index at %s first", ErrNotInitialized, s.path)
	}

	return s.db, s.mu.RUnlock, nil
}

// refresh reopens the snapshot when another writer has moved CURRENT.
func (s *Store) refresh(ctx context.Context) {
	s.mu.RLock()
	loaded, gen := s.db != nil, s.gen
	s.mu.RUnlock()
	if !loaded {
		return
	}

	cur, err := readCurrent(s.path)
	if err != nil || cur == gen {
		return
	}

	db, err := openSnapshot(ctx, filepath.Join(s.path, cur, dbFile))
	if err != nil {
		s.log.Warn("failed to open swapped snapshot, keeping previous generation", "path", s.path, "generation", cur, "err", err)
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		db.Close()
		return
	}
	old := s.db
	s.db, s.gen = db, cur
	s.mu.Unlock()

	old.Close()
	s.log.Info("snapshot reloaded", "path", s.path, "generation", cur)
}

func (s *Store) openGeneration(ctx context.Context, gen string) (*sql.DB, func(), error) {
	s.mu.RLock()
	if s.db != nil && s.gen == gen {
		return s.db, s.mu.RUnlock, nil
	}
	s.mu.RUnlock()

	db, err := openSnapshot(ctx, filepath.Join(s.path, gen, dbFile))
	if err != nil {
		return nil, nil, err
	}

	return db, func() { db.Close() }, nil
}

func openDB(file string) (*sql.DB, error) {
	return sql.Open("sqlite", file+"?_pragma=busy_timeout(5000)")
}

func openSnapshot(ctx context.Context, file string) (*sql.DB, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("%w: snapshot database %s: %w", ErrNotFound, file, err)
	}

	db, err := openDB(file)
	if err != nil {
		return nil, fmt.Errorf("%w: open snapshot %s: %w", ErrNotFound, file, err)
	}

	var format string
	err = db.QueryRowContext(ctx, `SELECT value FROM snapshot_info WHERE key = 'format'`).Scan(&format)
	if err != nil || format != formatVersion {
		db.Close()
		return nil, fmt.Errorf("%w: %s is not a valid snapshot", ErrNotFound, file)
	}

	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB, dim int, created time.Time) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO snapshot_info (key, value) VALUES ('format', ?), ('dimension', ?), ('created_at', ?)`,
		formatVersion, strconv.Itoa(dim), created.UTC().Format(time.RFC3339))
	return err
}

func storedDimension(ctx context.Context, db *sql.DB) (int, error) {
	var v string
	if err := db.QueryRowContext(ctx, `SELECT value FROM snapshot_info WHERE key = 'dimension'`).Scan(&v); err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}

func insertChunks(ctx context.Context, db *sql.DB, chunks []Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (text, source_id, locator, extraction_method, title, event_type,
		                    start_date, end_date, semester, year, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, c := range chunks {
		m := c.Metadata
		_, err := stmt.ExecContext(ctx, c.Text, m.SourceID, m.Locator, m.ExtractionMethod, m.Title, m.EventType,
			m.StartDate, m.EndDate, m.Semester, m.Year, float32SliceToBytes(vectors[i]))
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE snapshot_info SET value = ? WHERE key = 'dimension'`, strconv.Itoa(len(vectors[0])))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func readCurrent(root string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(root, currentFile))
	if err != nil {
		return "", fmt.Errorf("%w: no snapshot at %s: %w", ErrNotFound, root, err)
	}

	gen := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(gen, genPrefix) || strings.ContainsAny(gen, `/\`) {
		return "", fmt.Errorf("%w: %s does not point to a valid snapshot generation", ErrNotFound, root)
	}

	return gen, nil
}

func writeCurrent(root, gen string) error {
	tmp := filepath.Join(root, currentFile+".tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	_, err = f.WriteString(gen + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(root, currentFile))
	}
	if err != nil {
		os.Remove(tmp)
	}

	return err
}

func lessLocator(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

func firstOr(vectors [][]float32, fallback []float32) []float32 {
	if len(vectors) > 0 {
		return vectors[0]
	}
	return fallback
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
