// Package parquetsink persists feed records to a Hive-partitioned parquet
// layout on local disk: {base}/{source}/{subject}/{kind}/{granularity}/{date}.parquet.
// Each day's file is merged on overwrite: read existing rows, append the new
// ones, dedup by ts_event keeping the latest, sort, and rewrite atomically.
package parquetsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/modelcoordinator/coordinator/internal/app/domain/feed"
)

// Row is the on-disk schema for one market-data observation.
type Row struct {
	TsEvent     int64   `parquet:"ts_event,timestamp(microsecond)"`
	Source      string  `parquet:"source,dict"`
	Subject     string  `parquet:"subject,dict"`
	Kind        string  `parquet:"kind,dict"`
	Granularity string  `parquet:"granularity,dict"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	Meta        string  `parquet:"meta"`
}

// ManifestEntry describes one partition file for the data-file index.
type ManifestEntry struct {
	Path    string    `json:"path"`
	Records int       `json:"records"`
	Size    int64     `json:"size_bytes"`
	Date    time.Time `json:"date"`
}

// Sink writes Hive-partitioned parquet files under Base.
type Sink struct {
	Base string
}

// New builds a Sink rooted at base. base is created lazily on first write.
func New(base string) *Sink {
	return &Sink{Base: base}
}

func rowFromRecord(r feed.Record) Row {
	extra := map[string]any{}
	for k, v := range r.Values {
		switch k {
		case "open", "high", "low", "close", "volume":
		default:
			extra[k] = v
		}
	}
	for k, v := range r.Meta {
		extra["meta_"+k] = v
	}
	metaJSON := "{}"
	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			metaJSON = string(b)
		}
	}
	return Row{
		TsEvent:     r.TsEvent.UTC().UnixMicro(),
		Source:      r.Source,
		Subject:     r.Subject,
		Kind:        string(r.Kind),
		Granularity: r.Granularity,
		Open:        r.Values["open"],
		High:        r.Values["high"],
		Low:         r.Values["low"],
		Close:       r.Values["close"],
		Volume:      r.Values["volume"],
		Meta:        metaJSON,
	}
}

// partitionDir returns the directory holding one scope's daily files.
func (s *Sink) partitionDir(scope feed.Scope) string {
	return filepath.Join(s.Base, scope.Source, scope.Subject, string(scope.Kind), scope.Granularity)
}

func partitionFile(dir string, day time.Time) string {
	return filepath.Join(dir, day.UTC().Format("2006-01-02")+".parquet")
}

// Write merges records into their daily partition files, grouping by UTC
// calendar date within each record's scope.
func (s *Sink) Write(records []feed.Record) error {
	byFile := map[string][]Row{}
	for _, r := range records {
		dir := s.partitionDir(r.Scope)
		file := partitionFile(dir, r.TsEvent)
		byFile[file] = append(byFile[file], rowFromRecord(r))
	}

	for file, rows := range byFile {
		if err := mergeWrite(file, rows); err != nil {
			return fmt.Errorf("write partition %s: %w", file, err)
		}
	}
	return nil
}

// mergeWrite reads any existing rows at path, merges in fresh, dedups by
// TsEvent keeping the last write, sorts by TsEvent, and rewrites atomically
// via a temp file + rename.
func mergeWrite(path string, fresh []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	existing, err := readRows(path)
	if err != nil {
		return err
	}

	byTS := make(map[int64]Row, len(existing)+len(fresh))
	for _, r := range existing {
		byTS[r.TsEvent] = r
	}
	for _, r := range fresh {
		byTS[r.TsEvent] = r
	}

	merged := make([]Row, 0, len(byTS))
	for _, r := range byTS {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].TsEvent < merged[j].TsEvent })

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := parquet.Write[Row](f, merged); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readRows(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}
	return parquet.Read[Row](f, info.Size())
}

// Manifest walks the sink's directory tree and reports every partition
// file's record count and size, for the data-file index endpoint.
func (s *Sink) Manifest() ([]ManifestEntry, error) {
	var out []ManifestEntry
	err := filepath.Walk(s.Base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".parquet" {
			return nil
		}
		rel, err := filepath.Rel(s.Base, path)
		if err != nil {
			return err
		}
		rows, err := readRows(path)
		if err != nil {
			return err
		}
		date, _ := time.Parse("2006-01-02", strings.TrimSuffix(filepath.Base(path), ".parquet"))
		out = append(out, ManifestEntry{Path: rel, Records: len(rows), Size: info.Size(), Date: date})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ErrInvalidPath is returned by ReadRaw when rel escapes the sink's base
// directory.
var ErrInvalidPath = fmt.Errorf("parquetsink: invalid relative path")

// ReadRaw returns the raw bytes of the partition file at rel, guarding
// against path traversal outside Base.
func (s *Sink) ReadRaw(rel string) ([]byte, error) {
	clean := filepath.Clean("/" + rel)[1:]
	full := filepath.Join(s.Base, clean)
	if !isWithin(s.Base, full) {
		return nil, ErrInvalidPath
	}
	return os.ReadFile(full)
}

func isWithin(base, target string) bool {
	baseAbs, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
