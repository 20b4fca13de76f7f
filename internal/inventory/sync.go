package inventory

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ivannde/lecollecteur/internal/model"
)

type Upserter interface {
	UpsertByName(ctx context.Context, servers []model.Server) (inserted, updated int, err error)
}

// Syncer pushes the inventory file into the server registry. Servers are
// matched by name; registry entries missing from the file are kept.
type Syncer struct {
	Path     string
	FS       afero.Fs
	Store    Upserter
	Log      zerolog.Logger
	Debounce time.Duration

	LookupEnv func(string) (string, bool)
}

// Sync loads the file once and upserts its servers.
func (s *Syncer) Sync(ctx context.Context) error {
	fs := s.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	inv, err := Load(fs, s.Path)
	if err != nil {
		return err
	}
	ins, upd, err := s.Store.UpsertByName(ctx, inv.Resolve(s.LookupEnv))
	if err != nil {
		return err
	}
	s.Log.Info().Str("path", s.Path).Int("inserted", ins).Int("updated", upd).Msg("inventory synced")
	return nil
}

// Watch re-syncs whenever the file changes until ctx ends. The watcher is
// recreated with backoff if fsnotify breaks.
func (s *Syncer) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.Path)
	file := filepath.Base(s.Path)
	delay := s.Debounce
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}

	// editors write in several steps; sync once they settle
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := s.Sync(ctx); err != nil {
				s.Log.Warn().Err(err).Str("path", s.Path).Msg("inventory sync failed")
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			s.Log.Warn().Err(err).Str("dir", dir).Msg("inventory watch init failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		s.Log.Debug().Str("dir", dir).Str("file", file).Msg("inventory watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				s.Log.Warn().Err(err).Str("dir", dir).Msg("inventory watch error")
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
				}
			}
		}

		_ = w.Close()
		wait := nextWait()
		s.Log.Warn().Dur("backoff", wait).Msg("inventory watcher stopped; restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
