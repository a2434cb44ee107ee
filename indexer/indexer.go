// Package indexer scans a media file once and records, for every packet
// of the selected tracks, its timestamps, keyframe flag and byte offset.
// Selected audio tracks can be decoded to Wave64 files during the same
// pass.
package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/index"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

// Indexer indexes one file. Configure it, then call Run once.
type Indexer struct {
	log      *slog.Logger
	registry *container.Registry
	kind     media.SourceKind
	threads  int

	path    string
	backend container.Backend
	dmx     container.Demuxer
	streams []container.StreamInfo

	indexMask        Mask
	dumpMask         Mask
	ignoreErrors     bool
	progress         ProgressFunc
	progressInterval int64
	audioName        AudioNameFunc

	decodeErrs *multierror.Error
	ran        bool
}

// Open probes path, or uses the backend forced with WithSourceKind, and
// reads its stream layout.
func Open(ctx context.Context, path string, opts ...Option) (*Indexer, error) {
	ix := &Indexer{
		log:              slog.Default(),
		path:             path,
		progressInterval: DefaultProgressInterval,
	}
	for _, o := range opts {
		o(ix)
	}
	if ix.registry == nil {
		ix.registry = DefaultRegistry()
	}
	ix.log = ix.log.With("component", "indexer", "path", path)
	ix.audioName = PatternNamer(DefaultAudioPattern)

	var err error
	if ix.kind == media.SourceDefault {
		ix.backend, err = ix.registry.Probe(path)
	} else {
		ix.backend, err = ix.registry.Get(ix.kind)
	}
	if err != nil {
		return nil, err
	}
	ix.dmx, err = ix.backend.Open(ctx, path, ix.log)
	if err != nil {
		return nil, err
	}
	ix.streams = ix.dmx.Streams()
	ix.log.Debug("opened", "backend", ix.backend.Name(), "streams", len(ix.streams))
	return ix, nil
}

// NumTracks returns the number of container streams.
func (ix *Indexer) NumTracks() int {
	return len(ix.streams)
}

// TrackType returns the type of stream i.
func (ix *Indexer) TrackType(i int) media.TrackType {
	if i < 0 || i >= len(ix.streams) {
		return media.TrackTypeUnknown
	}
	return ix.streams[i].Type
}

// CodecName returns the codec of stream i.
func (ix *Indexer) CodecName(i int) string {
	if i < 0 || i >= len(ix.streams) {
		return ""
	}
	return ix.streams[i].Codec
}

// FormatName returns the name of the backend reading the file.
func (ix *Indexer) FormatName() string {
	return ix.backend.Name()
}

// SourceKind returns the kind of the backend reading the file.
func (ix *Indexer) SourceKind() media.SourceKind {
	return ix.backend.Kind()
}

// SetIndexMask selects the audio tracks to index. Video tracks are always
// indexed.
func (ix *Indexer) SetIndexMask(m Mask) { ix.indexMask = m }

// SetDumpMask selects the audio tracks to decode to Wave64. Dumped
// tracks are indexed as well.
func (ix *Indexer) SetDumpMask(m Mask) { ix.dumpMask = m }

// SetIgnoreDecodeErrors makes decode failures of dumped tracks non-fatal.
// They are counted per track in Index.DecodeErrors.
func (ix *Indexer) SetIgnoreDecodeErrors(ignore bool) { ix.ignoreErrors = ignore }

// SetProgressCallback installs fn. It is called synchronously.
func (ix *Indexer) SetProgressCallback(fn ProgressFunc) { ix.progress = fn }

// SetAudioNameCallback installs the namer for dump files.
func (ix *Indexer) SetAudioNameCallback(fn AudioNameFunc) {
	if fn == nil {
		fn = PatternNamer(DefaultAudioPattern)
	}
	ix.audioName = fn
}

// DecodeErrors returns the decode failures ignored by the last Run.
func (ix *Indexer) DecodeErrors() error {
	return ix.decodeErrs.ErrorOrNil()
}

// Close releases the file. Run closes it too.
func (ix *Indexer) Close() error {
	if ix.dmx == nil {
		return nil
	}
	err := ix.dmx.Close()
	ix.dmx = nil
	return err
}

// trackState is the per-stream scan state.
type trackState struct {
	info    container.StreamInfo
	indexed bool
	records []track.FrameRecord
	// sawPacket is false until the first packet of the track.
	sawPacket bool

	dec     container.Decoder
	counter bool // dec only counts samples
	// counted is set when record sample counts come from dec, which
	// may hold samples back until it is drained.
	counted bool
	dump    *dumper
	errs    int
}

// Run reads the whole file once and returns the index. It can only be
// called once; the file is closed when it returns. On cancellation or a
// fatal error no index is returned.
func (ix *Indexer) Run(ctx context.Context) (*index.Index, error) {
	if ix.ran || ix.dmx == nil {
		return nil, media.Errorf(media.KindInvalidArgument, "index", "indexer already used")
	}
	ix.ran = true
	defer ix.Close()

	sig, err := index.ComputeSignature(ix.path)
	if err != nil {
		return nil, err
	}

	states, err := ix.prepare()
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, st := range states {
			st.close()
		}
	}()

	if err := ix.scan(ctx, states); err != nil {
		for _, st := range states {
			st.discard()
		}
		return nil, err
	}
	if err := ix.finish(states); err != nil {
		for _, st := range states {
			st.discard()
		}
		return nil, err
	}

	idx := &index.Index{
		Source:       ix.backend.Kind(),
		Signature:    sig,
		Decoder:      ix.backend.Name(),
		Tracks:       make([]*track.Catalogue, len(states)),
		DecodeErrors: make([]int, len(states)),
	}
	if ix.ignoreErrors {
		idx.ErrorHandling = index.ErrorHandlingIgnore
	}
	for i, st := range states {
		idx.Tracks[i] = st.catalogue()
		idx.DecodeErrors[i] = st.errs
	}
	if n := len(ix.decodeErrs.WrappedErrors()); n > 0 {
		ix.log.Warn("ignored decode errors", "count", n, "error", ix.decodeErrs)
	}
	ix.log.Info("indexed", "tracks", len(states), "backend", ix.backend.Name())
	return idx, nil
}

func (ix *Indexer) prepare() ([]*trackState, error) {
	states := make([]*trackState, len(ix.streams))
	for i, si := range ix.streams {
		st := &trackState{info: si}
		switch si.Type {
		case media.TrackTypeVideo:
			st.indexed = true
		case media.TrackTypeAudio:
			st.indexed = ix.indexMask.Has(i) || ix.dumpMask.Has(i)
		}
		states[i] = st
		if si.Type != media.TrackTypeAudio || !ix.dumpMask.Has(i) {
			continue
		}
		dec, err := ix.backend.NewDecoder(si, container.DecoderOptions{ReorderDepth: -1, Threads: ix.threads})
		if err != nil {
			return nil, media.Wrap(media.KindIndexingError, "index", err, "no decoder to dump track %d", i)
		}
		st.dec = dec
		st.dump = &dumper{}
	}
	return states, nil
}

func (ix *Indexer) scan(ctx context.Context, states []*trackState) error {
	total := ix.dmx.Size()
	var reported int64
	for {
		if err := ctx.Err(); err != nil {
			return media.Wrap(media.KindCancelled, "index", err, "indexing cancelled")
		}
		pkt, err := ix.dmx.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return media.Wrap(media.KindCancelled, "index", ctx.Err(), "indexing cancelled")
			}
			return err
		}

		if ix.progress != nil {
			if pos := ix.dmx.Position(); pos-reported >= ix.progressInterval {
				reported = pos
				if !ix.progress(pos, total) {
					return media.Errorf(media.KindCancelled, "index", "cancelled by user")
				}
			}
		}

		if pkt.Stream < 0 || pkt.Stream >= len(states) {
			continue
		}
		st := states[pkt.Stream]
		if !st.indexed {
			continue
		}
		if err := ix.packet(st, pkt); err != nil {
			return err
		}
	}
	if ix.progress != nil && !ix.progress(total, total) {
		return media.Errorf(media.KindCancelled, "index", "cancelled by user")
	}
	return nil
}

func (ix *Indexer) packet(st *trackState, pkt *container.Packet) error {
	rec := track.FrameRecord{
		PTS:           pkt.PTS,
		DTS:           pkt.DTS,
		Pos:           pkt.Pos,
		Keyframe:      pkt.Keyframe,
		RepeatPict:    int8(max(min(pkt.RepeatPict, 127), 0)),
		TopFieldFirst: pkt.TopFieldFirst,
	}
	if pkt.KeyframeUnknown && (!st.sawPacket || pkt.Discontinuity) {
		rec.Keyframe = true
	}
	st.sawPacket = true

	rec.SampleCount = uint32(max(pkt.SampleCount, 0))
	st.records = append(st.records, rec)
	if st.info.Type != media.TrackTypeAudio {
		return nil
	}

	if pkt.SampleCount == 0 && st.dec == nil && !st.counter {
		ix.attachCounter(st)
	}
	if st.dec == nil {
		return nil
	}
	n, err := ix.decode(st, pkt)
	if err != nil {
		return err
	}
	if pkt.SampleCount == 0 {
		st.records[len(st.records)-1].SampleCount = uint32(n)
		st.counted = true
	}
	return nil
}

// attachCounter opens a decoder for an audio track whose packets do not
// state their sample count.
func (ix *Indexer) attachCounter(st *trackState) {
	st.counter = true
	dec, err := ix.backend.NewDecoder(st.info, container.DecoderOptions{ReorderDepth: -1, Threads: ix.threads})
	if err != nil {
		ix.log.Warn("cannot count audio samples", "track", st.info.Index, "codec", st.info.Codec, "error", err)
		return
	}
	st.dec = dec
}

// decode feeds pkt to the track's decoder and returns the number of
// samples it produced. Dumped tracks have their samples written.
func (ix *Indexer) decode(st *trackState, pkt *container.Packet) (int, error) {
	if err := st.dec.Send(pkt); err != nil {
		return 0, ix.decodeFailed(st, pkt.Pos, err)
	}
	return ix.receive(st)
}

func (ix *Indexer) receive(st *trackState) (int, error) {
	n := 0
	for {
		f, err := st.dec.Receive()
		if errors.Is(err, container.ErrAgain) || errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, ix.decodeFailed(st, -1, err)
		}
		n += f.NumSamples
		if st.dump != nil {
			if err := ix.writeDump(st, f); err != nil {
				return n, err
			}
		}
	}
}

func (ix *Indexer) decodeFailed(st *trackState, pos int64, err error) error {
	if !ix.ignoreErrors {
		return media.Wrap(media.KindDecodeError, "index", err, "track %d at offset %d", st.info.Index, pos)
	}
	st.errs++
	ix.decodeErrs = multierror.Append(ix.decodeErrs, media.Wrap(media.KindDecodeError, "index", err, "track %d at offset %d", st.info.Index, pos))
	ix.log.Debug("decode error ignored", "track", st.info.Index, "offset", pos, "error", err)
	return nil
}

func (ix *Indexer) writeDump(st *trackState, f *media.Frame) error {
	if st.dump.w == nil {
		name, err := ix.audioName(AudioNameInfo{
			SourceFile:    ix.path,
			Track:         st.info.Index,
			SampleRate:    f.SampleRate,
			Channels:      f.Channels,
			BitsPerSample: f.SampleFormat.BytesPerSample() * 8,
			DelayMS:       st.delayMS(),
		})
		if err != nil {
			return media.Wrap(media.KindIndexingError, "index", err, "name dump of track %d", st.info.Index)
		}
		if err := st.dump.open(name, f); err != nil {
			return err
		}
		ix.log.Debug("dumping audio", "track", st.info.Index, "file", filepath.Base(name))
	}
	return st.dump.write(f)
}

// finish drains the decoders and completes the catalogues.
func (ix *Indexer) finish(states []*trackState) error {
	for _, st := range states {
		if st.dec != nil {
			if err := st.dec.Send(nil); err != nil {
				if err := ix.decodeFailed(st, -1, err); err != nil {
					return err
				}
			} else {
				n, err := ix.receive(st)
				if err != nil {
					return err
				}
				if st.counted && n > 0 && len(st.records) > 0 {
					st.records[len(st.records)-1].SampleCount += uint32(n)
				}
			}
		}
		if st.dump != nil {
			if err := st.dump.finish(); err != nil {
				return err
			}
		}
		if st.info.Type == media.TrackTypeVideo && len(st.records) > 0 && !hasKeyframe(st.records) {
			ix.log.Warn("no keyframes found, treating the first frame as one", "track", st.info.Index)
			st.records[0].Keyframe = true
		}
	}
	return nil
}

func (st *trackState) delayMS() int64 {
	for _, r := range st.records {
		if r.PTS != media.NoPTS {
			return int64(st.info.TimeBase.Seconds(r.PTS) * 1000)
		}
	}
	return 0
}

func (st *trackState) catalogue() *track.Catalogue {
	info := track.Info{
		Type:          st.info.Type,
		Codec:         st.info.Codec,
		TimeBase:      st.info.TimeBase,
		Index:         st.info.Index,
		Width:         st.info.Width,
		Height:        st.info.Height,
		SampleRate:    st.info.SampleRate,
		Channels:      st.info.Channels,
		BitsPerSample: st.info.BitsPerSample,
	}
	if st.dump != nil && st.dump.format.BitsPerSample > 0 && info.BitsPerSample == 0 {
		info.BitsPerSample = st.dump.format.BitsPerSample
	}
	if !st.indexed {
		return track.New(info, nil)
	}
	if info.Type == media.TrackTypeVideo {
		info.ReorderDepth = max(st.info.ReorderDepth, ReorderDepth(st.records))
	}
	return track.New(info, st.records)
}

func (st *trackState) close() {
	if st.dec != nil {
		st.dec.Close()
		st.dec = nil
	}
	if st.dump != nil {
		st.dump.close()
	}
}

func (st *trackState) discard() {
	if st.dump != nil {
		st.dump.remove()
	}
}

func hasKeyframe(recs []track.FrameRecord) bool {
	for _, r := range recs {
		if r.Keyframe {
			return true
		}
	}
	return false
}

// ReorderDepth returns the number of frames a decoder must hold back to
// output recs, given in decode order, in presentation order: the largest
// number of earlier records that are presented after any one record.
func ReorderDepth(recs []track.FrameRecord) int {
	n := len(recs)
	if n < 2 {
		return 0
	}
	// Presentation rank of each record.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return presentationTS(recs[order[a]]) < presentationTS(recs[order[b]])
	})
	rank := make([]int, n)
	for p, r := range order {
		rank[r] = p
	}

	// Fenwick tree over ranks counts the earlier records presented before
	// the current one.
	tree := make([]int, n+1)
	depth := 0
	for i := 0; i < n; i++ {
		before := 0
		for j := rank[i]; j > 0; j -= j & -j {
			before += tree[j]
		}
		depth = max(depth, i-before)
		for j := rank[i] + 1; j <= n; j += j & -j {
			tree[j]++
		}
	}
	return depth
}

func presentationTS(r track.FrameRecord) int64 {
	if r.PTS == media.NoPTS {
		return r.DTS
	}
	return r.PTS
}
