package serialization

import (
	"bufio"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
)

// DryRun allows everything and records the name of every type it sees, so a
// whitelist can be produced from real traffic.
type DryRun struct {
	path     string
	interval time.Duration
	logger   log.Log
	now      func() time.Time

	mu      sync.Mutex
	classes map[string]struct{}
	armedAt time.Time

	// serializes file writes
	writeMu sync.Mutex

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

var _ Gate = (*DryRun)(nil)

type DryRunOption func(*DryRun) error

// WithFlushInterval flushes automatically once per interval. Explicit
// flushes before the first interval elapses are ignored.
func WithFlushInterval(interval time.Duration) DryRunOption {
	return func(d *DryRun) error {
		if interval <= 0 {
			return errs.Configuration("dry-run flush interval must be positive, got "+interval.String(), nil)
		}
		d.interval = interval
		return nil
	}
}

func WithDryRunLogger(logger log.Log) DryRunOption {
	return func(d *DryRun) error {
		d.logger = logger
		return nil
	}
}

func withClock(now func() time.Time) DryRunOption {
	return func(d *DryRun) error {
		d.now = now
		return nil
	}
}

// NewDryRun records into the file at target, creating it when missing.
func NewDryRun(target string, opts ...DryRunOption) (*DryRun, error) {
	path, err := localPath(target)
	if err != nil {
		return nil, err
	}
	d := &DryRun{
		path:     filepath.Clean(path),
		logger:   log.NewNop(),
		now:      time.Now,
		classes:  make(map[string]struct{}),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err = opt(d); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.Configuration("unable to create dry-run file "+d.path, errs.IO("create", err))
	}
	_ = f.Close()

	if d.interval > 0 {
		d.armedAt = d.now().Add(d.interval)
		go d.flushLoop()
	} else {
		close(d.done)
	}
	return d, nil
}

// CheckInput records the type, arrays by their innermost component, and
// always allows it.
func (d *DryRun) CheckInput(class *Class) Status {
	if class == nil {
		return Undecided
	}
	name := class.Innermost().Name

	d.mu.Lock()
	d.classes[name] = struct{}{}
	d.mu.Unlock()

	return Allowed
}

// Classes returns the recorded names, sorted.
func (d *DryRun) Classes() []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.classes))
	for name := range d.classes {
		names = append(names, name)
	}
	d.mu.Unlock()

	slices.Sort(names)
	return names
}

// Flush rewrites the target file with the recorded names, one per line.
func (d *DryRun) Flush() error {
	if d.interval > 0 && d.now().Before(d.armedAt) {
		return nil
	}
	return d.write()
}

// Close stops the periodic flush and writes the file one last time.
func (d *DryRun) Close() error {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	<-d.done
	return d.write()
}

func (d *DryRun) write() error {
	names := d.Classes()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".*")
	if err != nil {
		return errs.IO("writing dry-run file "+d.path, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_ = tmp.Chmod(0o644)
	w := bufio.NewWriter(tmp)
	for _, name := range names {
		_, _ = w.WriteString(name)
		_ = w.WriteByte('\n')
	}
	if err = w.Flush(); err != nil {
		_ = tmp.Close()
		return errs.IO("writing dry-run file "+d.path, err)
	}
	if err = tmp.Close(); err != nil {
		return errs.IO("writing dry-run file "+d.path, err)
	}
	if err = os.Rename(tmp.Name(), d.path); err != nil {
		return errs.IO("replacing dry-run file "+d.path, err)
	}
	return nil
}

func (d *DryRun) flushLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.write(); err != nil {
				d.logger.Error("Dry-run flush failed", log.String("file", d.path), log.Error(err))
			}
		case <-d.stopChan:
			return
		}
	}
}
