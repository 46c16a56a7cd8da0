// Package spool persists record batches to disk when the hot store is
// unavailable and replays them once it recovers. One file per batch keeps
// replay idempotent: a batch is deleted only after a successful insert.
package spool

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marketprism/marketprism/errs"
	"github.com/marketprism/marketprism/internal/observability"
	"github.com/marketprism/marketprism/internal/schema"
)

const (
	fileExt      = ".spool"
	maxFrameSize = 16 << 20
)

// Spool is a directory of batch files, each holding length-prefixed canonical
// record bodies.
type Spool struct {
	dir     string
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	create  func(name string) (*os.File, error)
}

// New opens (creating if needed) the spool directory.
func New(dir string, log zerolog.Logger, metrics *observability.Metrics) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("spool", errs.KindStorage, errs.WithCause(err))
	}
	s := &Spool{
		dir:     dir,
		log:     log.With().Str("component", "spool").Logger(),
		metrics: metrics,
		now:     time.Now,
		create:  os.Create,
	}
	s.metrics.SpoolBacklog.Set(float64(s.Backlog()))
	return s, nil
}

// Write persists one same-type batch as a new spool file. The file lands
// atomically via rename so a crash mid-write never leaves a readable partial.
func (s *Spool) Write(table string, records []*schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	name := fmt.Sprintf("%020d-%s-%s%s", s.now().UnixNano(), table, uuid.NewString(), fileExt)
	tmp := filepath.Join(s.dir, name+".tmp")

	f, err := s.create(tmp)
	if err != nil {
		return errs.New("spool", errs.KindStorage, errs.WithCause(err))
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		body, err := schema.MarshalRecord(rec)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := writeFrame(w, body); err != nil {
			f.Close()
			os.Remove(tmp)
			return errs.New("spool", errs.KindStorage, errs.WithCause(err))
		}
	}
	// A short write here (ENOSPC) must fail the batch so the caller nacks
	// it; renaming a truncated file into place would ack data that is gone.
	err = w.Flush()
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errs.New("spool", errs.KindStorage, errs.WithCause(err))
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return errs.New("spool", errs.KindStorage, errs.WithCause(err))
	}

	s.metrics.SpoolWrites.WithLabelValues(table).Inc()
	s.metrics.SpoolBacklog.Set(float64(s.Backlog()))
	s.log.Warn().Str("table", table).Int("records", len(records)).Msg("batch spooled to disk")
	return nil
}

// Backlog returns the number of batches waiting on disk.
func (s *Spool) Backlog() int {
	return len(s.files())
}

// files lists spool batch files oldest first.
func (s *Spool) files() []string {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), fileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// read decodes every record of one batch file.
func (s *Spool) read(name string) ([]*schema.Record, error) {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, errs.New("spool", errs.KindStorage, errs.WithCause(err))
	}
	defer f.Close()

	var records []*schema.Record
	r := bufio.NewReader(f)
	for {
		body, err := readFrame(r)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errs.New("spool", errs.KindStorage, errs.WithCause(err))
		}
		rec, err := schema.UnmarshalRecord(body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// tableOf recovers the target table from the batch file name.
func tableOf(name string) string {
	parts := strings.SplitN(strings.TrimSuffix(name, fileExt), "-", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func writeFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return nil, fmt.Errorf("spool: frame length %d out of range", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// InsertFunc persists one same-type batch, returning the row count.
type InsertFunc func(ctx context.Context, records []*schema.Record) (int, error)

// Drain replays spooled batches oldest first. The pass stops at the first
// insert failure so a still-down store is probed once per cycle instead of
// once per file. Corrupt files are moved aside, not retried forever.
func (s *Spool) Drain(ctx context.Context, insert InsertFunc) error {
	for _, name := range s.files() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		records, err := s.read(name)
		if err != nil {
			s.log.Error().Err(err).Str("file", name).Msg("spool file unreadable, quarantining")
			_ = os.Rename(filepath.Join(s.dir, name), filepath.Join(s.dir, name+".corrupt"))
			continue
		}
		if len(records) == 0 {
			s.log.Warn().Str("file", name).Msg("discarding empty spool file")
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}
		if _, err := insert(ctx, records); err != nil {
			s.metrics.SpoolBacklog.Set(float64(s.Backlog()))
			return err
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			return errs.New("spool", errs.KindStorage, errs.WithCause(err))
		}
		s.metrics.SpoolDrained.WithLabelValues(tableOf(name)).Inc()
	}
	s.metrics.SpoolBacklog.Set(float64(s.Backlog()))
	return nil
}

// RunDrainer replays the backlog on a fixed cadence until ctx is cancelled.
func (s *Spool) RunDrainer(ctx context.Context, interval time.Duration, insert InsertFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Drain(ctx, insert); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("spool drain pass aborted")
			}
		}
	}
}
