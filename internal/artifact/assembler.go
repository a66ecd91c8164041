// Package artifact bundles a job's fetch results into the downloadable
// archive: a raw JSON snapshot, one Markdown document per item and the
// attachments those documents reference.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	// Archives are stamped in a fixed zone that minimal images may lack.
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/fsutil"
	"github.com/JakeFAU/starred-export/internal/metrics"
)

const (
	// DefaultTimezone is used for file names and rendered times.
	DefaultTimezone = "Asia/Shanghai"
	stampLayout     = "2006_01_02_15_04_05"
	zipContentType  = "application/zip"
)

// Config controls where archives are written and how they are named.
type Config struct {
	// DataDir holds jobs/<job_id>/ working directories.
	DataDir string
	// Timezone names the location for stamps and rendered times.
	Timezone string
	// MirrorPrefix prefixes mirrored object paths.
	MirrorPrefix string
}

// Assembler writes archives for finished fetches.
type Assembler struct {
	cfg    Config
	loc    *time.Location
	cache  export.AttachmentCache
	hasher export.Hasher
	mirror export.BlobStore
	clock  export.Clock
	logger *zap.Logger
}

// New validates cfg and prepares the jobs directory. mirror may be nil.
func New(
	cfg Config,
	cache export.AttachmentCache,
	hasher export.Hasher,
	mirror export.BlobStore,
	clock export.Clock,
	logger *zap.Logger,
) (*Assembler, error) {
	if cache == nil || hasher == nil || clock == nil {
		return nil, fmt.Errorf("cache, hasher and clock are required")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if err := fsutil.EnsureWritableDir(filepath.Join(cfg.DataDir, "jobs")); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		cfg:    cfg,
		loc:    loc,
		cache:  cache,
		hasher: hasher,
		mirror: mirror,
		clock:  clock,
		logger: logger.Named("artifact"),
	}, nil
}

// Location returns the zone used for stamps and rendered times.
func (a *Assembler) Location() *time.Location {
	return a.loc
}

// Assemble writes the snapshot and archive for job. Every failure is an
// *export.AssemblyError. Mirroring is best effort: a failed upload is logged
// and leaves Artifact.URI empty.
func (a *Assembler) Assemble(ctx context.Context, job export.Job, results []export.ItemResult) (export.Artifact, error) {
	jobDir, err := fsutil.Within(filepath.Join(a.cfg.DataDir, "jobs"), job.ID)
	if err != nil {
		return export.Artifact{}, &export.AssemblyError{Step: "prepare", Err: err}
	}
	root := rootName(job.Owner)
	stamp := a.clock.Now().In(a.loc).Format(stampLayout)
	logger := a.logger.With(zap.String("job_id", job.ID))

	snapshotPath := filepath.Join(jobDir, "RawJson", stamp+".json")
	if err := writeSnapshot(snapshotPath, results); err != nil {
		return export.Artifact{}, &export.AssemblyError{Step: "snapshot", Err: err}
	}

	name := fmt.Sprintf("%s_%s.zip", stamp, root)
	zipPath := filepath.Join(jobDir, name)
	if err := a.writeZip(ctx, zipPath, root, stamp, snapshotPath, results); err != nil {
		return export.Artifact{}, &export.AssemblyError{Step: "zip", Err: err}
	}

	sum, size, err := a.digest(zipPath)
	if err != nil {
		return export.Artifact{}, &export.AssemblyError{Step: "checksum", Err: err}
	}
	metrics.ObserveArchive(size)

	art := export.Artifact{Path: zipPath, Name: name, SHA256: sum}
	if a.mirror != nil {
		uri, err := a.upload(ctx, job.ID, name, zipPath)
		if err != nil {
			logger.Warn("archive mirror failed", zap.Error(err))
		} else {
			art.URI = uri
		}
	}
	logger.Info("archive assembled",
		zap.String("path", zipPath),
		zap.Int64("bytes", size),
		zap.String("sha256", sum),
		zap.Int("items", len(results)),
	)
	return art, nil
}

func writeSnapshot(dst string, results []export.ItemResult) error {
	if results == nil {
		results = []export.ItemResult{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return fsutil.WriteAtomic(dst, bytes.NewReader(data))
}

// writeZip streams the archive into a temp file that is renamed into place
// only after the zip directory has been written.
func (a *Assembler) writeZip(
	ctx context.Context,
	dst, root, stamp, snapshotPath string,
	results []export.ItemResult,
) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.streamZip(ctx, pw, root, stamp, snapshotPath, results))
	}()
	err := fsutil.WriteAtomic(dst, pr)
	_ = pr.CloseWithError(err)
	return err
}

func (a *Assembler) streamZip(
	ctx context.Context,
	w io.Writer,
	root, stamp, snapshotPath string,
	results []export.ItemResult,
) error {
	zw := zip.NewWriter(w)
	modified := a.clock.Now()

	var images []string
	seen := make(map[string]struct{})
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, image := Render(res, a.loc, a.cache.Has)
		entry := path.Join(root, fmt.Sprintf("%07d.md", res.Item.PID))
		if err := addEntry(zw, entry, modified, strings.NewReader(doc)); err != nil {
			return err
		}
		if image == "" {
			continue
		}
		if _, ok := seen[image]; !ok {
			seen[image] = struct{}{}
			images = append(images, image)
		}
	}

	for _, key := range images {
		if err := a.addImage(zw, path.Join(root, "Image", key), modified, key); err != nil {
			return err
		}
	}

	snapshot, err := os.Open(snapshotPath) // #nosec G304 -- path is built from the job directory.
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		_ = snapshot.Close()
	}()
	if err := addEntry(zw, path.Join(root, "RawJson", stamp+".json"), modified, snapshot); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zip: %w", err)
	}
	return nil
}

func (a *Assembler) addImage(zw *zip.Writer, entry string, modified time.Time, key string) error {
	rc, err := a.cache.Open(key)
	if err != nil {
		return fmt.Errorf("open cached image %s: %w", key, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	return addEntry(zw, entry, modified, rc)
}

func addEntry(zw *zip.Writer, name string, modified time.Time, r io.Reader) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

func (a *Assembler) digest(zipPath string) (string, int64, error) {
	f, err := os.Open(zipPath) // #nosec G304 -- path is built from the job directory.
	if err != nil {
		return "", 0, fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat archive: %w", err)
	}
	sum, err := a.hasher.HashReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("hash archive: %w", err)
	}
	return sum, info.Size(), nil
}

func (a *Assembler) upload(ctx context.Context, jobID, name, zipPath string) (string, error) {
	f, err := os.Open(zipPath) // #nosec G304 -- path is built from the job directory.
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	objectPath := path.Join(strings.Trim(a.cfg.MirrorPrefix, "/"), jobID, name)
	uri, err := a.mirror.PutObject(ctx, objectPath, zipContentType, f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// rootName turns the owner into a single safe path element.
func rootName(owner string) string {
	owner = strings.TrimSpace(owner)
	owner = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, owner)
	if owner == "" || owner == "." || owner == ".." {
		return "export"
	}
	return owner
}
