package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/logging"
)

// ErrNoCheckpoint is returned when no checkpoint has been recorded
var ErrNoCheckpoint = errors.New("no checkpoint found")

// LastCheckpointFile names the file recording the most recent checkpoint
const LastCheckpointFile = "last_checkpoint"

const (
	framework = "go-meanteacher"
	version   = "1.0.0"
)

// Options configures a Checkpointer
type Options struct {
	Format Format
	// RunID identifies the training run; a random UUID when empty.
	RunID string
	// ReadOnly disables saving, as on non-primary processes.
	ReadOnly bool
	Logger   *logging.Logger
}

// Checkpointer saves and loads checkpoints inside one directory
type Checkpointer struct {
	fs     afero.Fs
	dir    string
	opts   Options
	logger *logging.Logger
}

// NewCheckpointer creates a checkpointer rooted at dir
func NewCheckpointer(fs afero.Fs, dir string, opts Options) *Checkpointer {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Checkpointer{
		fs:     fs,
		dir:    dir,
		opts:   opts,
		logger: opts.Logger.WithComponent("checkpointer"),
	}
}

// Dir returns the checkpoint directory
func (c *Checkpointer) Dir() string { return c.dir }

// RunID returns the identifier stamped on saved checkpoints
func (c *Checkpointer) RunID() string { return c.opts.RunID }

// Save writes ck as {dir}/{name}{ext} and records it in last_checkpoint.
// It returns the written path, or "" on a read-only checkpointer.
func (c *Checkpointer) Save(name string, ck *Checkpoint) (string, error) {
	return c.save(name, ck, true)
}

// SaveCopy writes ck like Save without updating last_checkpoint
func (c *Checkpointer) SaveCopy(name string, ck *Checkpoint) (string, error) {
	return c.save(name, ck, false)
}

func (c *Checkpointer) save(name string, ck *Checkpoint, tag bool) (string, error) {
	if c.opts.ReadOnly {
		return "", nil
	}
	if ck == nil {
		return "", fmt.Errorf("checkpoint cannot be nil")
	}

	if ck.Metadata.Framework == "" {
		ck.Metadata.Framework = framework
		ck.Metadata.Version = version
	}
	if ck.Metadata.CreatedAt.IsZero() {
		ck.Metadata.CreatedAt = time.Now().UTC()
	}
	if ck.Metadata.RunID == "" {
		ck.Metadata.RunID = c.opts.RunID
	}

	if err := c.fs.MkdirAll(c.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, ck, c.opts.Format); err != nil {
		return "", err
	}

	file := name + c.opts.Format.Extension()
	path := filepath.Join(c.dir, file)
	if err := c.writeAtomic(path, buf.Bytes()); err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %v", file, err)
	}
	if tag {
		if err := c.writeAtomic(filepath.Join(c.dir, LastCheckpointFile), []byte(file)); err != nil {
			return "", fmt.Errorf("failed to tag last checkpoint: %v", err)
		}
	}

	c.logger.Info("saved checkpoint", "path", path, "iteration", ck.TrainingState.Iteration)
	return path, nil
}

func (c *Checkpointer) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0644); err != nil {
		return err
	}
	return c.fs.Rename(tmp, path)
}

// Load reads a checkpoint, choosing the format from the file extension
func (c *Checkpointer) Load(path string) (*Checkpoint, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, path)
		}
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer f.Close()

	ck, err := Decode(f, formatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.logger.Info("loaded checkpoint", "path", path, "iteration", ck.TrainingState.Iteration)
	return ck, nil
}

// LastCheckpoint returns the path recorded in last_checkpoint
func (c *Checkpointer) LastCheckpoint() (string, error) {
	data, err := afero.ReadFile(c.fs, filepath.Join(c.dir, LastCheckpointFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCheckpoint
		}
		return "", fmt.Errorf("failed to read last checkpoint: %v", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", ErrNoCheckpoint
	}
	return filepath.Join(c.dir, name), nil
}

// HasCheckpoint reports whether a last checkpoint is recorded
func (c *Checkpointer) HasCheckpoint() bool {
	_, err := c.LastCheckpoint()
	return err == nil
}

// ResumeOrLoad loads the last recorded checkpoint when resume is set and one
// exists, otherwise the checkpoint at path. It returns nil when there is
// nothing to load.
func (c *Checkpointer) ResumeOrLoad(path string, resume bool) (*Checkpoint, bool, error) {
	if resume {
		last, err := c.LastCheckpoint()
		switch {
		case err == nil:
			ck, err := c.Load(last)
			return ck, true, err
		case !errors.Is(err, ErrNoCheckpoint):
			return nil, false, err
		}
		c.logger.Info("no checkpoint to resume from", "dir", c.dir)
	}
	if path == "" {
		return nil, false, nil
	}
	ck, err := c.Load(path)
	return ck, false, err
}

// Remove deletes a checkpoint file
func (c *Checkpointer) Remove(path string) error {
	if c.opts.ReadOnly {
		return nil
	}
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint: %v", err)
	}
	return nil
}

// PeriodicOptions configures a PeriodicCheckpointer
type PeriodicOptions struct {
	Period    int    // Save every Period iterations; 0 saves only the final model
	MaxIter   int    // A "{prefix}_final" checkpoint is saved at MaxIter-1
	MaxToKeep int    // Periodic checkpoints kept on disk; 0 keeps all
	Prefix    string // File name prefix, "model" by default
	// Untagged saves do not update last_checkpoint.
	Untagged bool
}

// PeriodicCheckpointer saves checkpoints at a fixed iteration period
type PeriodicCheckpointer struct {
	ckpt   *Checkpointer
	opts   PeriodicOptions
	recent []string
}

// NewPeriodicCheckpointer creates a periodic checkpointer
func NewPeriodicCheckpointer(ckpt *Checkpointer, opts PeriodicOptions) (*PeriodicCheckpointer, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("checkpointer cannot be nil")
	}
	if opts.Period < 0 || opts.MaxToKeep < 0 {
		return nil, fmt.Errorf("period and max to keep must be non-negative")
	}
	if opts.Prefix == "" {
		opts.Prefix = "model"
	}
	return &PeriodicCheckpointer{ckpt: ckpt, opts: opts}, nil
}

// Prefix returns the file name prefix
func (p *PeriodicCheckpointer) Prefix() string { return p.opts.Prefix }

// Step saves a checkpoint when iter completes a period or is the last
// iteration. build is only called when a save is due.
func (p *PeriodicCheckpointer) Step(iter int, build func() (*Checkpoint, error)) error {
	periodic := p.opts.Period > 0 && (iter+1)%p.opts.Period == 0
	final := p.opts.MaxIter > 0 && iter >= p.opts.MaxIter-1
	if !periodic && !final {
		return nil
	}

	ck, err := build()
	if err != nil {
		return fmt.Errorf("failed to build checkpoint: %v", err)
	}

	if periodic {
		path, err := p.save(fmt.Sprintf("%s_%07d", p.opts.Prefix, iter), ck)
		if err != nil {
			return err
		}
		if path != "" {
			p.recent = append(p.recent, path)
		}
		if p.opts.MaxToKeep > 0 {
			for len(p.recent) > p.opts.MaxToKeep {
				if err := p.ckpt.Remove(p.recent[0]); err != nil {
					return err
				}
				p.recent = p.recent[1:]
			}
		}
	}
	if final {
		if _, err := p.save(p.opts.Prefix+"_final", ck); err != nil {
			return err
		}
	}
	return nil
}

func (p *PeriodicCheckpointer) save(name string, ck *Checkpoint) (string, error) {
	if p.opts.Untagged {
		return p.ckpt.SaveCopy(name, ck)
	}
	return p.ckpt.Save(name, ck)
}
