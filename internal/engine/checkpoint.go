package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/segkv/blobstore"
	"github.com/hupe1980/segkv/internal/compress"
	"github.com/hupe1980/segkv/internal/device"
	"github.com/hupe1980/segkv/internal/record"
	"github.com/hupe1980/segkv/internal/superblock"
	"github.com/hupe1980/segkv/internal/volume"
)

const (
	// CurrentName is the blob naming the latest complete checkpoint.
	CurrentName = "CURRENT"

	checkpointVersion  = 1
	checkpointParallel = 4
)

// CheckpointManifest describes a checkpoint. It is written after every
// other blob of the checkpoint.
type CheckpointManifest struct {
	Version     int                `json:"version"`
	Name        string             `json:"name"`
	CreatedAt   time.Time          `json:"created_at"`
	Epoch       uint64             `json:"epoch"`
	SegmentSize int64              `json:"segment_size"`
	Capacity    int64              `json:"capacity"`
	Codec       compress.Codec     `json:"codec"`
	Keys        int64              `json:"keys"`
	Volumes     []CheckpointVolume `json:"volumes"`
}

// CheckpointVolume lists the segments copied from one volume.
type CheckpointVolume struct {
	ID           uint32   `json:"id"`
	SegmentCount uint32   `json:"segment_count"`
	Segments     []uint32 `json:"segments"`
}

const (
	indexFile    = "index"
	manifestFile = "manifest.json"
)

func indexBlob(name string) string    { return path.Join(name, indexFile) }
func manifestBlob(name string) string { return path.Join(name, manifestFile) }

func statsBlob(name string, vol uint32) string {
	return path.Join(name, fmt.Sprintf("vol-%03d", vol), "stats")
}

func segmentBlob(name string, vol, id uint32) string {
	return path.Join(name, fmt.Sprintf("vol-%03d", vol), fmt.Sprintf("seg-%08d", id))
}

func validCheckpointName(name string) error {
	if name == "" || name == CurrentName || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: checkpoint name %q", ErrInvalidArgument, name)
	}
	return nil
}

// Checkpoint copies a consistent image of the engine into store under
// name and then points CURRENT at it. Foreground writes and compaction
// pause while the copy is taken.
func (e *Engine) Checkpoint(ctx context.Context, store blobstore.BlobStore, name string) (*CheckpointManifest, error) {
	if err := validCheckpointName(name); err != nil {
		return nil, err
	}
	if e.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	e.gate.Lock()
	defer e.gate.Unlock()

	e.pipe.Flush()
	e.pipe.DrainReaper()
	for _, c := range e.collectors {
		c.Lock()
		defer c.Unlock()
	}

	data, err := e.index.MarshalBinary(e.codec)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, indexBlob(name), data); err != nil {
		return nil, fmt.Errorf("checkpoint index: %w", err)
	}

	m := &CheckpointManifest{
		Version:     checkpointVersion,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		Epoch:       e.epoch.Load(),
		SegmentSize: e.segmentSize,
		Capacity:    e.capacity,
		Codec:       e.codec,
		Keys:        e.index.Keys(),
	}
	var copied int64
	for _, v := range e.vols {
		a := v.Allocator()
		stats, err := a.MarshalBinary(e.codec)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, statsBlob(name, v.ID()), stats); err != nil {
			return nil, fmt.Errorf("checkpoint stats of volume %d: %w", v.ID(), err)
		}

		used := a.UsedSegments()
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(checkpointParallel)
		for _, id := range used {
			g.Go(func() error {
				img := v.NewImage()
				if err := v.ReadSegment(id, img); err != nil {
					return ioError(err)
				}
				w, err := store.Create(gctx, segmentBlob(name, v.ID(), id))
				if err != nil {
					return err
				}
				if _, err := w.Write(img); err != nil {
					_ = w.Close() // Intentionally ignore: cleanup path
					return err
				}
				return w.Close()
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("checkpoint segments of volume %d: %w", v.ID(), err)
		}
		copied += int64(len(used)) * v.SegmentSize()

		m.Volumes = append(m.Volumes, CheckpointVolume{
			ID:           v.ID(),
			SegmentCount: a.SegmentCount(),
			Segments:     used,
		})
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, manifestBlob(name), raw); err != nil {
		return nil, fmt.Errorf("checkpoint manifest: %w", err)
	}
	if err := store.Put(ctx, CurrentName, []byte(name)); err != nil {
		return nil, fmt.Errorf("checkpoint commit: %w", err)
	}

	e.metrics.OnThroughput("checkpoint", copied)
	if e.logger != nil {
		e.logger.Info("checkpoint complete", "name", name, "keys", m.Keys, "bytes", copied, "duration", time.Since(start))
	}
	return m, nil
}

// ReadCheckpointManifest loads the manifest of checkpoint name, or of the
// checkpoint CURRENT points at when name is empty.
func ReadCheckpointManifest(ctx context.Context, store blobstore.BlobStore, name string) (*CheckpointManifest, error) {
	if name == "" {
		cur, err := blobstore.ReadAll(ctx, store, CurrentName)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: no current checkpoint", ErrNotFound)
			}
			return nil, err
		}
		name = strings.TrimSpace(string(cur))
	}
	if err := validCheckpointName(name); err != nil {
		return nil, err
	}

	raw, err := blobstore.ReadAll(ctx, store, manifestBlob(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: checkpoint %q", ErrNotFound, name)
		}
		return nil, err
	}
	var m CheckpointManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: checkpoint manifest: %w", ErrCorrupt, err)
	}
	if m.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: checkpoint version %d", ErrIncompatibleFormat, m.Version)
	}
	return &m, nil
}

// Restore formats devs from checkpoint name (or CURRENT when name is
// empty). The devices must not be in use. Segments are written back at
// their original ids, so each device must hold at least as many segments
// as its source volume used. Geometry-related options are taken from the
// checkpoint.
func Restore(ctx context.Context, store blobstore.BlobStore, name string, devs []device.Device, opts ...Option) (*CheckpointManifest, error) {
	m, err := ReadCheckpointManifest(ctx, store, name)
	if err != nil {
		return nil, err
	}
	if len(m.Volumes) != len(devs) {
		return nil, fmt.Errorf("%w: checkpoint has %d volumes, got %d devices", ErrIncompatibleFormat, len(m.Volumes), len(devs))
	}
	start := time.Now()

	e := newEngine(opts)
	e.devs = devs
	e.segmentSize = m.SegmentSize
	e.capacity = m.Capacity
	e.codec = m.Codec
	e.align = deviceAlignment(devs)

	e.layouts = make([]layout, len(devs))
	e.sbs = make([]*superblock.Superblock, len(devs))
	for i, d := range devs {
		l, err := computeLayout(d.Capacity(), e.align, e.segmentSize, e.capacity, i == 0, e.reservedForGC)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		e.layouts[i] = l
		e.sbs[i] = l.superblock(uint32(i), uint32(len(devs)), e.capacity, e.align)
	}
	if err := e.buildState(); err != nil {
		return nil, err
	}

	data, err := blobstore.ReadAll(ctx, store, indexBlob(m.Name))
	if err != nil {
		return nil, fmt.Errorf("restore index: %w", err)
	}
	if err := e.index.Load(data); err != nil {
		return nil, fmt.Errorf("%w: restore index: %w", ErrCorrupt, err)
	}

	// Stats only carry over when the segment tables line up; otherwise the
	// devices are left dirty and the next open rebuilds them by scanning.
	clean := true
	for i, mv := range m.Volumes {
		v := e.vols[i]
		if err := e.restoreVolume(ctx, store, m.Name, mv, v); err != nil {
			return nil, err
		}
		if mv.SegmentCount != v.Geometry().SegmentCount {
			clean = false
			continue
		}
		stats, err := blobstore.ReadAll(ctx, store, statsBlob(m.Name, mv.ID))
		if err != nil {
			return nil, fmt.Errorf("restore stats of volume %d: %w", mv.ID, err)
		}
		if err := v.Allocator().Load(stats); err != nil {
			return nil, fmt.Errorf("%w: restore stats of volume %d: %w", ErrCorrupt, mv.ID, err)
		}
	}

	if clean {
		if err := e.persist(); err != nil {
			return nil, err
		}
	} else {
		for _, v := range e.vols {
			if err := v.Sync(); err != nil {
				return nil, ioError(err)
			}
		}
	}
	e.epoch.Store(m.Epoch)
	if err := e.writeSuperblocks(clean); err != nil {
		return nil, err
	}

	if e.logger != nil {
		e.logger.Info("restore complete", "name", m.Name, "keys", m.Keys, "clean", clean, "duration", time.Since(start))
	}
	return m, nil
}

// restoreVolume writes every checkpointed segment of mv back to v and
// invalidates all other segments so a later scan cannot pick up stale
// images left on the device.
func (e *Engine) restoreVolume(ctx context.Context, store blobstore.BlobStore, name string, mv CheckpointVolume, v *volume.Volume) error {
	count := v.Geometry().SegmentCount
	restored := make(map[uint32]struct{}, len(mv.Segments))
	for _, id := range mv.Segments {
		if id >= count {
			return fmt.Errorf("%w: segment %d of volume %d beyond device's %d segments", ErrIncompatibleFormat, id, mv.ID, count)
		}
		restored[id] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkpointParallel)
	for _, id := range mv.Segments {
		g.Go(func() error {
			img := v.NewImage()
			if err := blobstore.ReadInto(gctx, store, segmentBlob(name, mv.ID, id), img); err != nil {
				if errors.Is(err, blobstore.ErrSizeMismatch) {
					return fmt.Errorf("%w: segment %d of volume %d: %w", ErrCorrupt, id, mv.ID, err)
				}
				return err
			}
			if _, err := record.VerifyImage(img); err != nil {
				return fmt.Errorf("%w: segment %d of volume %d: %w", ErrCorrupt, id, mv.ID, err)
			}
			return ioError(v.WriteSegment(id, img))
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("restore volume %d: %w", mv.ID, err)
	}

	for id := range count {
		if _, ok := restored[id]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.InvalidateSegment(id); err != nil {
			return ioError(err)
		}
	}
	return nil
}

// ListCheckpoints returns the manifests of every complete checkpoint in
// store, ordered by epoch and then name. Blobs of checkpoints whose
// manifest was never written are ignored.
func ListCheckpoints(ctx context.Context, store blobstore.BlobStore) ([]*CheckpointManifest, error) {
	names, err := store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*CheckpointManifest
	for _, blob := range names {
		name, ok := strings.CutSuffix(blob, "/"+manifestFile)
		if !ok || validCheckpointName(name) != nil {
			continue
		}
		m, err := ReadCheckpointManifest(ctx, store, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.Name == name {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b *CheckpointManifest) int {
		return cmp.Or(cmp.Compare(a.Epoch, b.Epoch), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

// DeleteCheckpoint removes every blob of checkpoint name. The manifest goes
// first, so an interrupted delete leaves nothing ListCheckpoints reports.
// The checkpoint CURRENT points at cannot be deleted.
func DeleteCheckpoint(ctx context.Context, store blobstore.BlobStore, name string) error {
	if err := validCheckpointName(name); err != nil {
		return err
	}
	cur, err := blobstore.ReadAll(ctx, store, CurrentName)
	switch {
	case err == nil:
		if strings.TrimSpace(string(cur)) == name {
			return fmt.Errorf("%w: checkpoint %q is current", ErrInvalidArgument, name)
		}
	case !errors.Is(err, blobstore.ErrNotFound):
		return err
	}

	if _, err := blobstore.ReadAll(ctx, store, manifestBlob(name)); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fmt.Errorf("%w: checkpoint %q", ErrNotFound, name)
		}
		return err
	}
	if err := store.Delete(ctx, manifestBlob(name)); err != nil {
		return err
	}

	blobs, err := store.List(ctx, name+"/")
	if err != nil {
		return err
	}
	for _, blob := range blobs {
		if !ownedBy(name, blob) {
			continue
		}
		if err := store.Delete(ctx, blob); err != nil {
			return fmt.Errorf("delete %s: %w", blob, err)
		}
	}
	return nil
}

// ownedBy reports whether blob is one of the blobs Checkpoint writes for
// name, as opposed to a blob of a nested checkpoint such as name/x.
func ownedBy(name, blob string) bool {
	rel := strings.TrimPrefix(blob, name+"/")
	if rel == indexFile || rel == manifestFile {
		return true
	}
	dir, file, ok := strings.Cut(rel, "/")
	return ok && strings.HasPrefix(dir, "vol-") && !strings.Contains(file, "/")
}
