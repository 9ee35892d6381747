// Package csvdrop reads broker schedule exports dropped into a directory.
//
// Layout: <dir>/<opcoId>/<fundingAccountId>/<YYYY-MM-DD>[-suffix].csv. Solved
// files move to a processed/ sibling directory; failed ones move to failed/
// next to a .err file holding the reason.
package csvdrop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nemtdispatch/internal/integrations"
	"nemtdispatch/internal/partition"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
	dateLen      = len("2006-01-02")
	maxFileBytes = 16 << 20
)

type Source struct {
	Dir string
	// Settle skips files modified more recently than this, so half-written
	// uploads are picked up on a later poll.
	Settle time.Duration
	Now    func() time.Time
}

func New(dir string) *Source {
	return &Source{Dir: dir, Settle: 5 * time.Second, Now: time.Now}
}

func (s *Source) Name() string { return "csv-drop" }

func (s *Source) FetchSchedules(ctx context.Context) ([]integrations.ScheduleBatch, error) {
	paths, err := filepath.Glob(filepath.Join(s.Dir, "*", "*", "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	var out []integrations.ScheduleBatch
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		b, err := s.batchFor(path, now())
		if errors.Is(err, errNotReady) {
			continue
		}
		if err != nil {
			// Unusable files are parked right away; they would fail every poll.
			_ = s.park(path, failedDir, err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

var errNotReady = errors.New("file still settling")

func (s *Source) batchFor(path string, now time.Time) (integrations.ScheduleBatch, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return integrations.ScheduleBatch{}, err
	}
	if now.Sub(fi.ModTime()) < s.Settle {
		return integrations.ScheduleBatch{}, errNotReady
	}
	if fi.Size() > maxFileBytes {
		return integrations.ScheduleBatch{}, fmt.Errorf("file is %d bytes, limit %d", fi.Size(), maxFileBytes)
	}

	rel, err := filepath.Rel(s.Dir, path)
	if err != nil {
		return integrations.ScheduleBatch{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	p, err := partition.Resolve(parts[0], parts[1])
	if err != nil {
		return integrations.ScheduleBatch{}, err
	}
	name := parts[2]
	if len(name) < dateLen {
		return integrations.ScheduleBatch{}, fmt.Errorf("file name %q does not start with a service date", name)
	}
	date := name[:dateLen]
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return integrations.ScheduleBatch{}, fmt.Errorf("file name %q does not start with a service date", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return integrations.ScheduleBatch{}, err
	}
	return integrations.ScheduleBatch{
		Ref:         path,
		Partition:   p,
		ServiceDate: date,
		Schedule:    string(data),
	}, nil
}

func (s *Source) AckSchedule(_ context.Context, b integrations.ScheduleBatch, _ string, solveErr error) error {
	if solveErr != nil {
		return s.park(b.Ref, failedDir, solveErr)
	}
	return s.park(b.Ref, processedDir, nil)
}

// park moves path into the named sibling directory, writing reason to a
// .err file when given.
func (s *Source) park(path, dir string, reason error) error {
	dst := filepath.Join(filepath.Dir(path), dir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	target := filepath.Join(dst, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return err
	}
	if reason != nil {
		return os.WriteFile(target+".err", []byte(reason.Error()+"\n"), 0o644)
	}
	return nil
}
