package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"go.arbor.social/arbor/pkg/item"
	"go.arbor.social/arbor/pkg/worker"
)

// SpoolCommand is the name of the spool flush job on the queue.
const SpoolCommand = "SpoolPost"

// spoolPrefix marks spool files. Anything else in the directory is ignored.
const spoolPrefix = "item-"

// ItemSink stores a post coming out of the spool.
type ItemSink interface {
	Post(ctx context.Context, it *item.Item) error
}

// Spool parks posts on disk while the database is unavailable and flushes
// them back once it returns.
type Spool struct {
	Log  *zap.Logger
	Dir  string
	Sink ItemSink
}

// Save parks one post in the spool directory.
func (s *Spool) Save(it *item.Item) error {
	buf, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("failed to encode spooled post: %w", err)
	}
	name := fmt.Sprintf("%s%d-%s.json", spoolPrefix, time.Now().UnixNano(), it.GUID)
	if err := os.WriteFile(filepath.Join(s.Dir, name), buf, 0o600); err != nil {
		return fmt.Errorf("failed to spool post: %w", err)
	}
	return nil
}

// Handler adapts the spool flush to the job queue.
func (s *Spool) Handler() worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, _ []string) error {
		return s.Flush(ctx)
	})
}

// Flush stores every spooled post and removes its file.
// A post that cannot be decoded can never be stored; its file is dropped.
func (s *Spool) Flush(ctx context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), spoolPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(s.Dir, entry.Name())
		buf, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read spool file: %w", err)
		}
		it := new(item.Item)
		if err := json.Unmarshal(buf, it); err != nil {
			s.Log.Warn("Dropping corrupt spool file",
				zap.String("spool.file", entry.Name()), zap.Error(err))
			if err := os.Remove(path); err != nil {
				return err
			}
			continue
		}
		if err := s.Sink.Post(ctx, it); err != nil {
			// The database may still be down, keep the file for next time.
			return fmt.Errorf("failed to store spooled post: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		s.Log.Info("Spooled post stored",
			zap.String("spool.file", entry.Name()),
			zap.String("item.guid", it.GUID))
	}
	return nil
}
