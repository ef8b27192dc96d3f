package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridstore/internal/config"
	"gridstore/internal/core"
	"gridstore/internal/storage"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: gridstore [flags] <command> [args]

commands:
  put [-meta json] file...        store files as new records
  get [-o path] id                download the bytes of a record
  show id                         print the metadata of a record
  ls [-where json] [-skip n] [-limit n]
                                  list records matching a filter
  count [-where json]             count records matching a filter
  set id json                     merge a JSON object into a record's metadata
  rm id                           delete a record and its chunks

flags:
`

// newEngine returns the storage engine selected by cfg.
func newEngine(cfg config.Config) storage.Engine {
	switch cfg.Engine {
	case config.EngineMongoDB:
		return storage.NewGridFS(
			cfg.MongoDB.ConnectionURL(),
			cfg.MongoDB.DatabaseName(),
			cfg.MongoDB.Bucket,
			cfg.MongoDB.ChunkSizeBytes,
		)
	default:
		return storage.NewSQLite(cfg.SQLite.Path, cfg.SQLite.ChunkSizeBytes)
	}
}

func setupLogging(level string, w io.Writer) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))
	return nil
}

func Run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	fs := flag.NewFlagSet("gridstore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "gridstore.toml", "path to the TOML configuration file")
	logLevel := fs.String("log-level", "", "log level override (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := setupLogging(cfg.LogLevel, stderr); err != nil {
		return err
	}
	slog.Debug("Loaded configuration", "config", cfg.String())

	store, err := core.NewStore(core.NewConfig(
		core.WithEngine(newEngine(cfg)),
		core.WithMarker(cfg.Store.Marker),
	))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Failed to close store", "err", err)
		}
	}()

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "put":
		return runPut(ctx, store, cmdArgs, stdout)
	case "get":
		return runGet(ctx, store, cmdArgs, stdout)
	case "show":
		return runShow(ctx, store, cmdArgs, stdout)
	case "ls":
		return runList(ctx, store, cmdArgs, stdout)
	case "count":
		return runCount(ctx, store, cmdArgs, stdout)
	case "set":
		return runSet(ctx, store, cmdArgs, stdout)
	case "rm":
		return runRemove(ctx, store, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// writerSink prints structured results as indented JSON and writes
// downloads to a file, or to stdout when the target is "-". File downloads
// are spooled into a temporary file and only moved into place by Finish.
type writerSink struct {
	stdout io.Writer
	target string
	dest   string
	spool  *os.File
}

func (s *writerSink) Send(v any) error {
	enc := json.NewEncoder(s.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (s *writerSink) SendEmpty() error {
	return nil
}

func (s *writerSink) OpenStream(h core.StreamHeader) (io.Writer, error) {
	if s.target == "-" {
		return s.stdout, nil
	}

	s.dest = s.target
	if s.dest == "" {
		s.dest = filepath.Base(h.Filename)
	}
	f, err := os.CreateTemp("", "gridstore-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	s.spool = f

	slog.Info("Downloading", "file", s.dest, "bytes", h.Length, "content_type", h.ContentType)
	return f, nil
}

// Finish publishes the spooled download when ok, and discards it otherwise.
func (s *writerSink) Finish(ok bool) error {
	if s.spool == nil {
		return nil
	}

	name := s.spool.Name()
	err := s.spool.Close()
	s.spool = nil
	if err == nil && ok {
		return moveFile(name, s.dest)
	}

	if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Error("Failed to remove spool file", "file", name, "err", rmErr)
	}
	return err
}

func parseJSONObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return m, nil
}

func runPut(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	meta := fs.String("meta", "", "JSON object merged into the metadata of every file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("put: no files given")
	}

	base, err := parseJSONObject(*meta)
	if err != nil {
		return fmt.Errorf("put: -meta: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	var eg errgroup.Group
	eg.Go(func() error {
		err := writeParts(mw, fs.Args())
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
		return err
	})

	records, err := store.Create(ctx, pr, mw.FormDataContentType(), base)
	_ = pr.Close()
	if werr := eg.Wait(); werr != nil && err == nil {
		err = werr
	}

	sink := &writerSink{stdout: stdout}
	if len(records) > 0 {
		if serr := sink.Send(records); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// writeParts encodes every file as one multipart file part. Filenames are
// percent-encoded; the store decodes them again.
func writeParts(mw *multipart.Writer, paths []string) error {
	for _, path := range paths {
		if err := writePart(mw, path); err != nil {
			return err
		}
	}
	return nil
}

func writePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = core.DefaultMimeType
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     "file",
		"filename": url.PathEscape(name),
	}))
	h.Set("Content-Type", contentType)

	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func singleID(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s: expected exactly one id", cmd)
	}
	return args[0], nil
}

func runGet(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	out := fs.String("o", "", `output path, "-" for stdout (default: the stored filename)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := singleID("get", fs.Args())
	if err != nil {
		return err
	}

	sink := &writerSink{stdout: stdout, target: *out}
	err = store.DispatchFindByID(ctx, id, core.CallContext{Download: true, Sink: sink})
	if cerr := sink.Finish(err == nil); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func runShow(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	id, err := singleID("show", args)
	if err != nil {
		return err
	}
	return store.DispatchFindByID(ctx, id, core.CallContext{Sink: &writerSink{stdout: stdout}})
}

func filterFlags(fs *flag.FlagSet) func() (core.Filter, error) {
	where := fs.String("where", "", "JSON where clause")
	skip := fs.Int64("skip", 0, "number of records to skip")
	limit := fs.Int64("limit", 0, "maximum number of records, 0 for no limit")

	return func() (core.Filter, error) {
		f := core.Filter{Skip: *skip, Limit: *limit}
		if strings.TrimSpace(*where) != "" {
			w, err := core.ParseFilter([]byte(`{"where":` + *where + `}`))
			if err != nil {
				return core.Filter{}, err
			}
			f.Where = w.Where
		}
		return f, nil
	}
}

func runList(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	filter := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := filter()
	if err != nil {
		return err
	}
	return store.DispatchFind(ctx, f, core.CallContext{Sink: &writerSink{stdout: stdout}})
}

func runCount(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	filter := filterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := filter()
	if err != nil {
		return err
	}
	n, err := store.Count(ctx, f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, n)
	return err
}

func runSet(ctx context.Context, store *core.Store, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return errors.New("set: expected an id and a JSON object")
	}

	patch, err := parseJSONObject(args[1])
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}

	cc := core.CallContext{Verb: core.VerbUpdate, Patch: patch, Sink: &writerSink{stdout: stdout}}
	return store.DispatchFindByID(ctx, args[0], cc)
}

func runRemove(ctx context.Context, store *core.Store, args []string) error {
	id, err := singleID("rm", args)
	if err != nil {
		return err
	}
	if err := store.DispatchFindByID(ctx, id, core.CallContext{Verb: core.VerbDelete}); err != nil {
		return err
	}
	slog.Info("Removed", "id", id)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("gridstore exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}
