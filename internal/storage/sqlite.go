package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// DefaultChunkSizeBytes matches the GridFS default chunk size.
	DefaultChunkSizeBytes = 255 * 1024

	sqliteBusyTimeoutMS = 5000
)

// SQLite is an Engine that keeps the files and chunks collections in a
// single SQLite database. Metadata is stored BSON-encoded so that it
// round-trips with the same types the GridFS engine yields, and queries are
// evaluated with Match.
type SQLite struct {
	path      string
	chunkSize int32
	conn      *Connector[*sql.DB]
}

// NewSQLite returns an engine backed by the database file at path. The
// database is opened lazily by Connect or by the first operation.
func NewSQLite(path string, chunkSizeBytes int32) *SQLite {
	if chunkSizeBytes <= 0 {
		chunkSizeBytes = DefaultChunkSizeBytes
	}
	s := &SQLite{path: path, chunkSize: chunkSizeBytes}
	s.conn = NewConnector(s.open)
	return s
}

func (s *SQLite) open(ctx context.Context) (*sql.DB, error) {
	if s.path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", s.path, sqliteBusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// A single connection serialises writers and keeps in-memory databases
	// coherent.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Debug("SQLite engine ready", "path", s.path, "chunk_size", s.chunkSize)
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			length INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			upload_date TIMESTAMP NOT NULL,
			last_modified TIMESTAMP,
			metadata BLOB
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			files_id TEXT NOT NULL,
			n INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (files_id, n)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) db(ctx context.Context) (*sql.DB, error) {
	return s.conn.Get(ctx)
}

// Connect opens the database and applies the schema.
func (s *SQLite) Connect(ctx context.Context) error {
	_, err := s.db(ctx)
	return err
}

// Close closes the database.
func (s *SQLite) Close(ctx context.Context) error {
	return s.conn.Close(func(db *sql.DB) error { return db.Close() })
}

const fileColumns = `id, filename, length, chunk_size, upload_date, last_modified, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (File, error) {
	var (
		f            File
		idHex        string
		lastModified sql.NullTime
		rawMetadata  []byte
	)
	if err := row.Scan(&idHex, &f.Filename, &f.Length, &f.ChunkSize, &f.UploadDate, &lastModified, &rawMetadata); err != nil {
		return File{}, err
	}

	id, err := primitive.ObjectIDFromHex(idHex)
	if err != nil {
		return File{}, fmt.Errorf("decode file id %q: %w", idHex, err)
	}
	f.ID = id

	if lastModified.Valid {
		t := lastModified.Time
		f.LastModified = &t
	}

	if len(rawMetadata) > 0 {
		var md bson.M
		if err := bson.Unmarshal(rawMetadata, &md); err != nil {
			return File{}, fmt.Errorf("decode metadata of %s: %w", idHex, err)
		}
		f.Metadata = md
	}
	return f, nil
}

// idFromQuery extracts a plain _id equality so lookups by id can use the
// primary key instead of scanning.
func idFromQuery(query bson.M) (primitive.ObjectID, bool) {
	id, ok := query["_id"].(primitive.ObjectID)
	return id, ok
}

// Find scans the files table in insertion order and evaluates query
// against every row.
func (s *SQLite) Find(ctx context.Context, query bson.M, opts FindOptions) ([]File, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	stmt := `SELECT ` + fileColumns + ` FROM files`
	var args []any
	if id, ok := idFromQuery(query); ok {
		stmt += ` WHERE id = ?`
		args = append(args, id.Hex())
	}
	stmt += ` ORDER BY seq`

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var (
		out     []File
		skipped int64
	)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}

		ok, err := Match(f.Document(), query)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		if skipped < opts.Skip {
			skipped++
			continue
		}
		out = append(out, f)
		if opts.Limit > 0 && int64(len(out)) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

// FindOne returns the first file matching query.
func (s *SQLite) FindOne(ctx context.Context, query bson.M) (File, error) {
	files, err := s.Find(ctx, query, FindOptions{Limit: 1})
	if err != nil {
		return File{}, err
	}
	if len(files) == 0 {
		return File{}, ErrNotFound
	}
	return files[0], nil
}

// UpdateOne merges set into the first matching file. Keys of set are
// dotted paths rooted at the file document, e.g. "metadata.tag".
func (s *SQLite) UpdateOne(ctx context.Context, query bson.M, set bson.M) (int64, error) {
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	f, err := s.FindOne(ctx, query)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	filename := f.Filename
	md := f.Metadata
	if md == nil {
		md = bson.M{}
	}
	for path, value := range set {
		switch {
		case path == "filename":
			name, ok := value.(string)
			if !ok {
				return 0, errors.New("filename must be a string")
			}
			filename = name
		case strings.HasPrefix(path, "metadata."):
			setPath(md, strings.TrimPrefix(path, "metadata."), value)
		default:
			return 0, fmt.Errorf("unsupported update path %q", path)
		}
	}

	raw, err := bson.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	res, err := db.ExecContext(ctx,
		`UPDATE files SET filename = ?, metadata = ?, last_modified = ? WHERE id = ?`,
		filename, raw, time.Now().UTC(), f.ID.Hex(),
	)
	if err != nil {
		return 0, fmt.Errorf("update file %s: %w", f.ID.Hex(), err)
	}
	return res.RowsAffected()
}

// setPath assigns value at a dotted path inside doc, creating intermediate
// documents as needed.
func setPath(doc bson.M, path string, value any) {
	cur := doc
	for {
		head, rest, nested := strings.Cut(path, ".")
		if !nested {
			cur[path] = value
			return
		}
		next, ok := asMap(cur[head])
		if !ok {
			next = bson.M{}
		}
		cur[head] = next
		cur, path = next, rest
	}
}

// OpenUploadStream starts a new blob. Bytes are cut into chunkSize chunks
// and each full chunk is inserted as soon as it is complete.
func (s *SQLite) OpenUploadStream(ctx context.Context, id primitive.ObjectID, filename string, metadata bson.M) (UploadStream, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	return &sqliteUpload{
		ctx:       ctx,
		db:        db,
		id:        id,
		filename:  filename,
		metadata:  metadata,
		chunkSize: s.chunkSize,
		buf:       make([]byte, 0, s.chunkSize),
	}, nil
}

type sqliteUpload struct {
	ctx       context.Context
	db        *sql.DB
	id        primitive.ObjectID
	filename  string
	metadata  bson.M
	chunkSize int32

	buf    []byte
	n      int
	length int64
	done   bool
	file   File
}

func (u *sqliteUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, errors.New("upload stream already closed")
	}

	written := 0
	for len(p) > 0 {
		room := int(u.chunkSize) - len(u.buf)
		take := min(room, len(p))
		u.buf = append(u.buf, p[:take]...)
		p = p[take:]
		written += take

		if len(u.buf) == int(u.chunkSize) {
			if err := u.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (u *sqliteUpload) flush() error {
	if len(u.buf) == 0 {
		return nil
	}
	if _, err := u.db.ExecContext(u.ctx,
		`INSERT INTO chunks(files_id, n, data) VALUES(?, ?, ?)`,
		u.id.Hex(), u.n, u.buf,
	); err != nil {
		return fmt.Errorf("write chunk %d of %s: %w", u.n, u.id.Hex(), err)
	}
	u.length += int64(len(u.buf))
	u.n++
	u.buf = make([]byte, 0, u.chunkSize)
	return nil
}

func (u *sqliteUpload) Close() error {
	if u.done {
		return errors.New("upload stream already closed")
	}
	u.done = true

	if err := u.flush(); err != nil {
		return err
	}

	var raw []byte
	if u.metadata != nil {
		var err error
		if raw, err = bson.Marshal(u.metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	// BSON dates carry millisecond precision; keep both engines alike.
	now := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := u.db.ExecContext(u.ctx,
		`INSERT INTO files(id, filename, length, chunk_size, upload_date, metadata) VALUES(?, ?, ?, ?, ?, ?)`,
		u.id.Hex(), u.filename, u.length, u.chunkSize, now, raw,
	); err != nil {
		return fmt.Errorf("write file %s: %w", u.id.Hex(), err)
	}

	u.file = File{
		ID:         u.id,
		Length:     u.length,
		ChunkSize:  u.chunkSize,
		UploadDate: now,
		Filename:   u.filename,
		Metadata:   u.metadata,
	}
	return nil
}

func (u *sqliteUpload) Abort() error {
	if u.done {
		return errors.New("upload stream already closed")
	}
	u.done = true
	u.buf = nil

	// The caller's context may be the reason for the abort.
	if _, err := u.db.ExecContext(context.WithoutCancel(u.ctx), `DELETE FROM chunks WHERE files_id = ?`, u.id.Hex()); err != nil {
		return fmt.Errorf("abort upload %s: %w", u.id.Hex(), err)
	}
	return nil
}

func (u *sqliteUpload) File() File {
	return u.file
}

// OpenDownloadStream returns a reader that loads one chunk at a time in
// chunk order.
func (s *SQLite) OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id.Hex())
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file %s: %w", id.Hex(), err)
	}

	var chunks int64
	if f.Length > 0 {
		chunks = (f.Length + int64(f.ChunkSize) - 1) / int64(f.ChunkSize)
	}
	return &sqliteDownload{ctx: ctx, db: db, file: f, chunks: chunks}, nil
}

type sqliteDownload struct {
	ctx    context.Context
	db     *sql.DB
	file   File
	chunks int64

	next   int64
	read   int64
	cur    []byte
	closed bool
}

func (d *sqliteDownload) Read(p []byte) (int, error) {
	if d.closed {
		return 0, errors.New("download stream closed")
	}

	for len(d.cur) == 0 {
		if d.next >= d.chunks {
			if d.read != d.file.Length {
				return 0, fmt.Errorf("file %s truncated: read %d of %d bytes", d.file.ID.Hex(), d.read, d.file.Length)
			}
			return 0, io.EOF
		}

		var data []byte
		err := d.db.QueryRowContext(d.ctx,
			`SELECT data FROM chunks WHERE files_id = ? AND n = ?`,
			d.file.ID.Hex(), d.next,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("chunk %d of %s missing", d.next, d.file.ID.Hex())
		}
		if err != nil {
			return 0, fmt.Errorf("read chunk %d of %s: %w", d.next, d.file.ID.Hex(), err)
		}
		d.cur = data
		d.next++
	}

	n := copy(p, d.cur)
	d.cur = d.cur[n:]
	d.read += int64(n)
	return n, nil
}

func (d *sqliteDownload) Close() error {
	d.closed = true
	d.cur = nil
	return nil
}

// DeleteChunks removes every chunk of id.
func (s *SQLite) DeleteChunks(ctx context.Context, id primitive.ObjectID) (int64, error) {
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM chunks WHERE files_id = ?`, id.Hex())
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", id.Hex(), err)
	}
	return res.RowsAffected()
}

// DeleteFiles removes every file document matching query.
func (s *SQLite) DeleteFiles(ctx context.Context, query bson.M) (int64, error) {
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	files, err := s.Find(ctx, query, FindOptions{})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, f := range files {
		res, err := db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, f.ID.Hex())
		if err != nil {
			return deleted, fmt.Errorf("delete file %s: %w", f.ID.Hex(), err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}
