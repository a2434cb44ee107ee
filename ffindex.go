// Package ffindex indexes media files once and then serves exact frames
// and sample ranges from them by number.
//
// Call Init before anything else, build or load an index with MakeIndex
// or LoadOrIndex, and open sources on its tracks with OpenVideo and
// OpenAudio.
package ffindex

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/container/libav"
	"github.com/zsiec/ffindex/index"
	"github.com/zsiec/ffindex/indexer"
	"github.com/zsiec/ffindex/internal/jobs"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/source"
	"github.com/zsiec/ffindex/track"
)

var (
	initOnce sync.Once
	backends *container.Registry
	inFlight *jobs.Registry
)

// Init registers the built-in backends and routes libav logging to the
// default slog logger. It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		backends = indexer.DefaultRegistry()
		inFlight = jobs.NewRegistry(slog.Default())
		libav.SetLogger(slog.Default())
	})
}

// Registry returns the process-wide backend registry.
func Registry() *container.Registry {
	Init()
	return backends
}

// PresentSources lists the backends compiled into the binary.
func PresentSources() []media.SourceKind {
	var kinds []media.SourceKind
	for _, b := range Registry().Backends() {
		kinds = append(kinds, b.Kind())
	}
	return kinds
}

// EnabledSources lists the backends that can open files.
func EnabledSources() []media.SourceKind {
	var kinds []media.SourceKind
	for _, b := range Registry().Backends() {
		if b.Available() {
			kinds = append(kinds, b.Kind())
		}
	}
	return kinds
}

// IndexRequest configures MakeIndex. The zero value indexes video only,
// aborts on decode errors and probes the backend.
type IndexRequest struct {
	Logger *slog.Logger
	// Source forces a backend; SourceDefault probes.
	Source media.SourceKind
	// IndexMask selects the audio tracks to index. Video is always
	// indexed.
	IndexMask indexer.Mask
	// DumpMask selects the audio tracks to decode to Wave64 files.
	DumpMask indexer.Mask
	// AudioName names dump files; nil uses DefaultAudioPattern.
	AudioName          indexer.AudioNameFunc
	IgnoreDecodeErrors bool
	Progress           indexer.ProgressFunc
	Threads            int
}

// MakeIndex indexes the file at path. A second concurrent call for the
// same file fails with InvalidArgument.
func MakeIndex(ctx context.Context, path string, req IndexRequest) (*index.Index, error) {
	Init()
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	if _, ok := inFlight.Begin(key); !ok {
		return nil, media.Errorf(media.KindInvalidArgument, "make index", "%s is already being indexed", path)
	}
	defer inFlight.Finish(key)

	opts := []indexer.Option{
		indexer.WithRegistry(backends),
		indexer.WithSourceKind(req.Source),
		indexer.WithThreads(req.Threads),
	}
	if req.Logger != nil {
		opts = append(opts, indexer.WithLogger(req.Logger))
	}
	ix, err := indexer.Open(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	defer ix.Close()

	ix.SetIndexMask(req.IndexMask)
	ix.SetDumpMask(req.DumpMask)
	ix.SetIgnoreDecodeErrors(req.IgnoreDecodeErrors)
	if req.Progress != nil {
		ix.SetProgressCallback(req.Progress)
	}
	if req.AudioName != nil {
		ix.SetAudioNameCallback(req.AudioName)
	}
	return ix.Run(ctx)
}

// CacheResult tells how LoadOrIndex obtained its index.
type CacheResult int

// Cache outcomes.
const (
	CacheHit CacheResult = iota
	CacheCreated
	CacheOverwritten
)

func (r CacheResult) String() string {
	switch r {
	case CacheHit:
		return "hit"
	case CacheCreated:
		return "created"
	case CacheOverwritten:
		return "overwritten"
	}
	return "unknown"
}

// DefaultCachePath is where LoadOrIndex keeps the index of source when no
// cache path is given.
func DefaultCachePath(source string) string {
	return source + ".ffindex"
}

// LoadOrIndex returns the cached index of path when the cache exists,
// belongs to the file as it is now and, for audioTrack >= 0, has that
// track indexed. Otherwise it indexes the file, adding audioTrack to the
// index mask, and writes the cache. cachePath "" means
// DefaultCachePath(path). A cache that cannot be read is treated as
// missing.
func LoadOrIndex(ctx context.Context, path, cachePath string, audioTrack int, req IndexRequest) (*index.Index, CacheResult, error) {
	Init()
	if cachePath == "" {
		cachePath = DefaultCachePath(path)
	}
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "cache", "path", cachePath)

	idx, err := index.ReadFile(cachePath)
	switch {
	case err == nil:
		if reason := unusable(idx, path, audioTrack); reason != "" {
			log.Info("reindexing", "reason", reason)
		} else {
			return idx, CacheHit, nil
		}
	case errors.Is(err, media.ErrNoSuchFile):
	default:
		log.Warn("ignoring unreadable cache", "error", err)
	}

	result := CacheCreated
	if _, err := os.Stat(cachePath); err == nil {
		result = CacheOverwritten
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, 0, media.Wrap(media.KindReadError, "load index", err, "stat %s", cachePath)
	}

	if audioTrack >= 0 {
		req.IndexMask = req.IndexMask.With(audioTrack)
	}
	idx, err = MakeIndex(ctx, path, req)
	if err != nil {
		return nil, 0, err
	}
	if err := index.WriteFile(cachePath, idx); err != nil {
		return nil, 0, err
	}
	log.Debug("cache written", "result", result)
	return idx, result, nil
}

// unusable explains why a cached index cannot serve path, or returns "".
func unusable(idx *index.Index, path string, audioTrack int) string {
	ok, err := index.BelongsToFile(idx, path)
	if err != nil || !ok {
		return "source file changed"
	}
	if audioTrack < 0 {
		return ""
	}
	if audioTrack >= idx.NumTracks() || !idx.Tracks[audioTrack].Indexed() {
		return "audio track not indexed"
	}
	return ""
}

// OpenVideo opens video track n of idx, read from path through the
// backend that built the index.
func OpenVideo(ctx context.Context, path string, idx *index.Index, n int, opts ...source.Option) (*source.VideoSource, error) {
	b, cat, err := lookup(idx, n)
	if err != nil {
		return nil, err
	}
	return source.NewVideo(ctx, path, b, cat, opts...)
}

// OpenAudio opens audio track n of idx, read from path through the
// backend that built the index.
func OpenAudio(ctx context.Context, path string, idx *index.Index, n int, opts ...source.Option) (*source.AudioSource, error) {
	b, cat, err := lookup(idx, n)
	if err != nil {
		return nil, err
	}
	return source.NewAudio(ctx, path, b, cat, opts...)
}

func lookup(idx *index.Index, n int) (container.Backend, *track.Catalogue, error) {
	cat, err := idx.Track(n)
	if err != nil {
		return nil, nil, err
	}
	b, err := Registry().Get(idx.Source)
	if err != nil {
		return nil, nil, err
	}
	return b, cat, nil
}
