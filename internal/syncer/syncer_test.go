package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/disk"
	"github.com/990248516/sd-modelsync/internal/events"
	"github.com/990248516/sd-modelsync/internal/evict"
	"github.com/990248516/sd-modelsync/internal/manifest"
	"github.com/990248516/sd-modelsync/internal/models"
	"github.com/990248516/sd-modelsync/internal/refs"
	"github.com/990248516/sd-modelsync/internal/registrar"
	"github.com/990248516/sd-modelsync/internal/retry"
	"github.com/990248516/sd-modelsync/internal/storage"
)

const (
	prefix    = "models/Stable-diffusion"
	emptyHash = "e3b0c442" // sha256 of an empty sample
)

// tracer records the order of budget checks, evictions and downloads.
type tracer struct {
	mu     sync.Mutex
	events []string
}

func (t *tracer) add(e string) {
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
}

func (t *tracer) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *tracer) count(prefix string) int {
	n := 0
	for _, e := range t.snapshot() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type memObject struct {
	etag string
	size int64
	data []byte
}

// memBackend is an in-memory bucket.
type memBackend struct {
	mu       sync.Mutex
	objects  map[string]memObject
	listErr  error
	failGets map[string]int // key -> remaining failures
	trace    *tracer

	entered chan string   // receives each requested key, if set
	gate    chan struct{} // GetObject waits for it to close, if set
}

func (b *memBackend) ListObjects(_ context.Context, prefix string, fn func(models.Object) error) error {
	b.mu.Lock()
	if b.listErr != nil {
		b.mu.Unlock()
		return b.listErr
	}
	var objs []models.Object
	for k, o := range b.objects {
		if strings.HasPrefix(k, prefix) {
			objs = append(objs, models.Object{Key: k, ETag: `"` + o.etag + `"`, Size: o.size})
		}
	}
	b.mu.Unlock()

	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	for _, o := range objs {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func (b *memBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	if b.entered != nil {
		b.entered <- key
	}
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.add("get:" + key)
	if n := b.failGets[key]; n > 0 {
		b.failGets[key] = n - 1
		return nil, 0, errors.New("connection reset")
	}
	o, ok := b.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("no such key: %s", key)
	}
	return io.NopCloser(strings.NewReader(string(o.data))), o.size, nil
}

func (b *memBackend) Type() string { return "mem" }
func (b *memBackend) Close() error { return nil }

// fakeDisk reports usage from the declared remote size of every file in
// its directories, so eviction frees budget the way it would on a real
// volume.
type fakeDisk struct {
	mu       sync.Mutex
	totalGiB float64
	dirs     []string
	sizes    map[string]float64 // relative key -> GiB
}

func (d *fakeDisk) probe(string) (disk.Usage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	used := 0.0
	for _, dir := range d.dirs {
		filepath.WalkDir(dir, func(p string, e fs.DirEntry, err error) error {
			if err != nil || e.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(dir, p)
			used += d.sizes[filepath.ToSlash(rel)]
			return nil
		})
	}
	free := d.totalGiB - used
	if free < 0 {
		free = 0
	}
	return disk.Usage{
		Total: uint64(d.totalGiB * models.GiB),
		Free:  uint64(free * models.GiB),
		Avail: uint64(free * models.GiB),
	}, nil
}

type tracedBudget struct {
	b     Budget
	trace *tracer
}

func (t tracedBudget) CanAfford(sizeGiB float64) bool {
	ok := t.b.CanAfford(sizeGiB)
	t.trace.add(fmt.Sprintf("check:%t", ok))
	return ok
}

type budgetFunc func(float64) bool

func (f budgetFunc) CanAfford(sizeGiB float64) bool { return f(sizeGiB) }

type tracedEvicter struct {
	e     Evicter
	trace *tracer
}

func (t tracedEvicter) EvictOne(ctx context.Context) (evict.Result, error) {
	t.trace.add("evict")
	return t.e.EvictOne(ctx)
}

type recordingRegistrar struct {
	mu           sync.Mutex
	registered   [][]string
	deregistered []string
}

func (r *recordingRegistrar) Register(_ context.Context, _ category.Category, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, append([]string(nil), ids...))
	return nil
}

func (r *recordingRegistrar) Deregister(_ context.Context, _ category.Category, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, id)
	return nil
}

type harness struct {
	t       *testing.T
	cat     category.Category
	backend *memBackend
	disk    *fakeDisk
	trace   *tracer
	reg     *recordingRegistrar
	events  *events.Broadcaster
	table   *refs.Table
	store   *manifest.Store
	dir     string
	syncer  *Syncer
}

func newHarness(t *testing.T, totalGiB, reserveGiB float64) *harness {
	return buildHarness(t, category.Checkpoint, totalGiB, reserveGiB, nil)
}

func newHarnessWithBudget(t *testing.T, totalGiB, reserveGiB float64, budget Budget) *harness {
	return buildHarness(t, category.Checkpoint, totalGiB, reserveGiB, budget)
}

func buildHarness(t *testing.T, c category.Category, totalGiB, reserveGiB float64, budget Budget) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		t:     t,
		cat:   c,
		trace: &tracer{},
		reg:   &recordingRegistrar{},
		table: refs.NewTable(),
		dir:   filepath.Join(root, "models", c.Module()),
	}
	h.backend = &memBackend{objects: map[string]memObject{}, failGets: map[string]int{}, trace: h.trace}
	h.disk = &fakeDisk{totalGiB: totalGiB, dirs: []string{h.dir}, sizes: map[string]float64{}}

	store, err := manifest.NewStore(filepath.Join(root, "cache"))
	require.NoError(t, err)
	h.store = store

	if budget == nil {
		budget = disk.NewGuard(root, reserveGiB).WithProbe(h.disk.probe)
	}
	bc := events.NewBroadcaster()
	h.events = bc
	reg := registrar.Multi{registrar.Events{B: bc}, h.reg}
	ev := evict.New(evict.Config{
		Category:  c,
		Dir:       h.dir,
		Table:     h.table,
		Registrar: reg,
		Events:    bc,
	})

	h.syncer, err = New(Config{
		Category:  c,
		Lister:    storage.NewLister(h.backend, prefix, nil),
		Manifests: store,
		Table:     h.table,
		Budget:    tracedBudget{b: budget, trace: h.trace},
		Evictor:   tracedEvicter{e: ev, trace: h.trace},
		Registrar: reg,
		Events:    bc,
		Dir:       h.dir,
		Retry:     retry.DefaultConfig(),
		Interval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	return h
}

// put publishes an object under the category prefix.
func (h *harness) put(key, etag string, sizeGiB float64, data string) {
	h.backend.mu.Lock()
	h.backend.objects[prefix+"/"+key] = memObject{etag: etag, size: int64(sizeGiB * models.GiB), data: []byte(data)}
	h.backend.mu.Unlock()
	h.disk.mu.Lock()
	h.disk.sizes[key] = sizeGiB
	h.disk.mu.Unlock()
}

func (h *harness) delete(key string) {
	h.backend.mu.Lock()
	delete(h.backend.objects, prefix+"/"+key)
	h.backend.mu.Unlock()
}

func (h *harness) cycle() Report {
	h.t.Helper()
	r, err := h.syncer.RunCycle(context.Background())
	require.NoError(h.t, err)
	return r
}

func (h *harness) manifestBytes() string {
	h.t.Helper()
	data, err := os.ReadFile(h.store.Path(h.cat))
	require.NoError(h.t, err)
	return string(data)
}

func (h *harness) local(key string) string {
	return filepath.Join(h.dir, filepath.FromSlash(key))
}

func TestCycleDownloadsNewModel(t *testing.T) {
	h := newHarness(t, 25, 20)
	h.put("A", "e1", 2, "v1")

	r := h.cycle()
	assert.Equal(t, []string{"A"}, r.Added)
	assert.Equal(t, []string{"A [" + emptyHash + "]"}, r.Downloaded)
	assert.Equal(t, ResultOK, r.Result)
	assert.NotEmpty(t, r.CycleID)

	data, err := os.ReadFile(h.local("A"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, `{"A":["e1",2]}`, h.manifestBytes())
	assert.Equal(t, [][]string{{"A [" + emptyHash + "]"}}, h.reg.registered)

	e, ok := h.table.Lookup("A [" + emptyHash + "]")
	require.True(t, ok)
	assert.Equal(t, 0, e.Count)

	last, ok := h.syncer.LastReport()
	require.True(t, ok)
	assert.Equal(t, r.CycleID, last.CycleID)
}

func TestCycleRedownloadsModifiedModel(t *testing.T) {
	h := newHarness(t, 25, 20)
	h.put("A", "e1", 2, "v1")
	h.cycle()

	h.put("A", "e2", 2, "v2")
	r := h.cycle()
	assert.Empty(t, r.Added)
	assert.Equal(t, []string{"A"}, r.Modified)

	data, err := os.ReadFile(h.local("A"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.Equal(t, `{"A":["e2",2]}`, h.manifestBytes())
	assert.Equal(t, 1, h.table.Len())
	assert.Len(t, h.reg.registered, 2)
}

func TestCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 2, "a")
	h.put("sub/B.safetensors", "e2", 1.5, "b")
	h.cycle()

	before := h.manifestBytes()
	info, err := os.Stat(h.store.Path(category.Checkpoint))
	require.NoError(t, err)
	gets := h.trace.count("get:")

	r := h.cycle()
	assert.False(t, r.Changed())
	assert.Empty(t, r.Downloaded)
	assert.Equal(t, before, h.manifestBytes())
	assert.Equal(t, gets, h.trace.count("get:"))
	assert.Len(t, h.reg.registered, 1, "no notification without changes")

	after, err := os.Stat(h.store.Path(category.Checkpoint))
	require.NoError(t, err)
	assert.True(t, os.SameFile(info, after), "manifest must not be rewritten")
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, 25, 20)
	h.put("huge.safetensors", "e1", 10, "x")

	for i := 0; i < 2; i++ {
		start := len(h.trace.snapshot())
		r := h.cycle()
		assert.Equal(t, []string{"huge.safetensors"}, r.Added, "stays added every cycle")
		assert.Equal(t, []string{"huge.safetensors"}, r.Failed)
		assert.Equal(t, ResultPartial, r.Result)

		assert.Equal(t, []string{
			"check:false", "evict",
			"check:false", "evict",
			"check:false", "evict",
		}, h.trace.snapshot()[start:])
	}

	assert.Equal(t, 0, h.trace.count("get:"))
	assert.Equal(t, `{}`, h.manifestBytes())
	assert.NoFileExists(t, h.local("huge.safetensors"))
}

func TestBudgetInvariant(t *testing.T) {
	h := newHarness(t, 25, 20)
	h.put("A", "e1", 3, "a")
	h.cycle()

	h.put("B", "e1", 4, "b")
	r := h.cycle()
	assert.Equal(t, []string{"A [" + emptyHash + "]"}, r.Evicted)
	assert.Equal(t, []string{"B [" + emptyHash + "]"}, r.Downloaded)

	trace := h.trace.snapshot()
	for i, e := range trace {
		switch {
		case strings.HasPrefix(e, "get:"):
			require.Greater(t, i, 0)
			assert.Equal(t, "check:true", trace[i-1], "download without a passing check at %d", i)
		case e == "evict":
			require.Greater(t, i, 0)
			assert.Equal(t, "check:false", trace[i-1], "eviction without a failing check at %d", i)
		}
	}

	assert.NoFileExists(t, h.local("A"))
	assert.FileExists(t, h.local("B"))
	assert.Equal(t, `{"B":["e1",4]}`, h.manifestBytes())
	assert.Equal(t, []string{"A [" + emptyHash + "]"}, h.reg.deregistered)
}

func TestRemovalBeforePersist(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("K", "e1", 1, "k")
	h.put("X", "e1", 1, "x")
	h.cycle()

	h.delete("K")
	h.put("Y", "e1", 1, "y")
	h.backend.failGets[prefix+"/Y"] = 3

	r := h.cycle()
	assert.Equal(t, []string{"K"}, r.Removed)
	assert.Equal(t, []string{"Y"}, r.Failed)

	assert.NoFileExists(t, h.local("K"))
	assert.FileExists(t, h.local("X"))
	assert.Equal(t, `{"X":["e1",1]}`, h.manifestBytes())
	assert.Equal(t, []string{"K [" + emptyHash + "]"}, h.reg.deregistered)
	_, ok := h.table.IdentifierFor("K")
	assert.False(t, ok)
}

func TestCancelledCyclePersistsDiskChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessWithBudget(t, 100, 20, budgetFunc(func(sizeGiB float64) bool {
		if sizeGiB == 3 {
			cancel()
		}
		return true
	}))
	h.put("K", "e0", 1, "k")
	h.put("M", "e1", 1, "m1")
	h.cycle()

	h.delete("K")
	h.put("M", "e2", 1, "m2")
	h.put("a", "e1", 1, "a")
	h.put("b", "e1", 3, "b")
	h.put("c", "e1", 1, "c")
	h.backend.failGets[prefix+"/b"] = 1

	r, err := h.syncer.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultCancelled, r.Result)
	assert.Equal(t, []string{"K"}, r.Removed)
	assert.Equal(t, []string{"a [" + emptyHash + "]"}, r.Downloaded)
	assert.Equal(t, []string{"b", "c", "M"}, r.Failed)
	assert.Equal(t, 0, h.trace.count("get:"+prefix+"/c"))

	assert.NoFileExists(t, h.local("K"))
	assert.NoFileExists(t, h.local("c"))
	data, err := os.ReadFile(h.local("M"))
	require.NoError(t, err)
	assert.Equal(t, "m1", string(data))

	// The removal is persisted; the untouched modification keeps its entry.
	assert.Equal(t, `{"M":["e1",1],"a":["e1",1]}`, h.manifestBytes())
	assert.Equal(t, []string{"K [" + emptyHash + "]"}, h.reg.deregistered)
	require.Len(t, h.reg.registered, 2)
	assert.Equal(t, []string{"a [" + emptyHash + "]"}, h.reg.registered[1])

	last, ok := h.syncer.LastReport()
	require.True(t, ok)
	assert.Equal(t, r.CycleID, last.CycleID)

	r = h.cycle()
	assert.Equal(t, []string{"b", "c"}, r.Added)
	assert.Equal(t, []string{"M"}, r.Modified)
}

func TestCyclesOfOneCategoryNeverOverlap(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")
	h.backend.entered = make(chan string, 4)
	h.backend.gate = make(chan struct{})

	first := make(chan Report, 1)
	go func() {
		r, _ := h.syncer.RunCycle(context.Background())
		first <- r
	}()
	select {
	case key := <-h.backend.entered:
		require.Equal(t, prefix+"/A", key)
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never started its download")
	}

	second := make(chan Report, 1)
	go func() {
		r, _ := h.syncer.RunCycle(context.Background())
		second <- r
	}()

	// Another category syncs to completion while the first is blocked.
	other := buildHarness(t, category.Lora, 100, 20, nil)
	other.put("style.safetensors", "e1", 1, "s")
	r := other.cycle()
	assert.Equal(t, []string{"style.safetensors"}, r.Added)
	assert.FileExists(t, other.local("style.safetensors"))

	select {
	case <-second:
		t.Fatal("second cycle ran while the first held the category")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.backend.gate)
	assert.Equal(t, []string{"A"}, (<-first).Added)
	r = <-second
	assert.Empty(t, r.Added)
	assert.Empty(t, r.Modified)
	assert.Equal(t, 1, h.trace.count("get:"))
}

func TestRemovalPublishesOneDeleteEvent(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("K", "e1", 1, "k")
	h.cycle()

	ch := h.events.Subscribe()
	defer h.events.Unsubscribe(ch)
	h.delete("K")
	h.cycle()

	var deletes []events.Event
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == events.EventDelete {
			deletes = append(deletes, ev)
		}
	}
	require.Len(t, deletes, 1)
	assert.Equal(t, "K", deletes[0].Key)
	assert.Equal(t, "K ["+emptyHash+"]", deletes[0].Identifier)
}

func TestDownloadFailureConsumesAttempt(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")
	h.backend.failGets[prefix+"/A"] = 2

	r := h.cycle()
	assert.Empty(t, r.Failed)
	assert.Equal(t, 3, h.trace.count("get:"))
	assert.FileExists(t, h.local("A"))
}

func TestFailedModificationKeepsPreviousEntry(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "v1")
	h.cycle()

	h.put("A", "e2", 1, "v2")
	h.backend.failGets[prefix+"/A"] = 3
	r := h.cycle()
	assert.Equal(t, []string{"A"}, r.Failed)
	assert.Equal(t, `{"A":["e1",1]}`, h.manifestBytes())

	r = h.cycle()
	assert.Equal(t, []string{"A"}, r.Modified)
	assert.Equal(t, `{"A":["e2",1]}`, h.manifestBytes())
}

func TestRemoteUnavailableSkipsCycle(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.backend.listErr = errors.New("access denied")

	r, err := h.syncer.RunCycle(context.Background())
	assert.ErrorIs(t, err, storage.ErrRemoteUnavailable)
	assert.Equal(t, ResultRemoteUnavailable, r.Result)
	assert.NoFileExists(t, h.store.Path(category.Checkpoint))
	assert.Empty(t, h.reg.registered)
}

func TestCorruptManifestForcesFullDiff(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")
	h.cycle()

	require.NoError(t, os.WriteFile(h.store.Path(category.Checkpoint), []byte("garbage"), 0644))
	r := h.cycle()
	assert.Equal(t, []string{"A"}, r.Added)
	assert.Equal(t, `{"A":["e1",1]}`, h.manifestBytes())
}

func TestPanicAbortsOnlyThatKey(t *testing.T) {
	h := newHarnessWithBudget(t, 100, 20, budgetFunc(func(size float64) bool {
		if size == 7 {
			panic("boom")
		}
		return true
	}))
	h.put("bad", "e1", 7, "x")
	h.put("good", "e1", 1, "y")

	r := h.cycle()
	assert.Equal(t, []string{"bad"}, r.Failed)
	assert.Equal(t, []string{"good [" + emptyHash + "]"}, r.Downloaded)
	assert.Equal(t, `{"good":["e1",1]}`, h.manifestBytes())
}

func TestDiffPreviewDoesNotMutate(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")

	c, err := h.syncer.Diff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, c.Added)
	assert.NoFileExists(t, h.local("A"))
	assert.NoFileExists(t, h.store.Path(category.Checkpoint))
}

func TestAdoptTracksCachedModels(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")
	h.cycle()

	fresh := refs.NewTable()
	h.syncer.cfg.Table = fresh
	require.NoError(t, os.WriteFile(h.local("orphan"), []byte("o"), 0644))

	n, err := h.syncer.Adopt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []refs.Entry{{Identifier: "A [" + emptyHash + "]", Key: "A"}}, fresh.Snapshot())

	n, err = h.syncer.Adopt(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBootstrapFetchesFirstFamily(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("b.safetensors", "e1", 1, "b")
	h.put("a.safetensors", "e2", 1, "a")
	h.put("a.ckpt", "e3", 1, "a")

	r, err := h.syncer.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ckpt", "a.safetensors"}, r.Added)
	assert.Len(t, r.Downloaded, 2)
	assert.Equal(t, `{"a.ckpt":["e3",1],"a.safetensors":["e2",1]}`, h.manifestBytes())
	assert.NoFileExists(t, h.local("b.safetensors"))
	assert.Len(t, h.reg.registered, 1)

	r, err = h.syncer.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, r.Result)

	r = h.cycle()
	assert.Equal(t, []string{"b.safetensors"}, r.Added)
}

func TestCancelledBootstrapKeepsWhatLanded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessWithBudget(t, 100, 20, budgetFunc(func(sizeGiB float64) bool {
		if sizeGiB == 2 {
			cancel()
		}
		return true
	}))
	h.put("a.ckpt", "e1", 1, "a")
	h.put("a.safetensors", "e2", 2, "a")
	h.backend.failGets[prefix+"/a.safetensors"] = 1

	r, err := h.syncer.Bootstrap(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultCancelled, r.Result)
	assert.Equal(t, []string{"a.safetensors"}, r.Failed)
	assert.Equal(t, `{"a.ckpt":["e1",1]}`, h.manifestBytes())
	require.Len(t, h.reg.registered, 1)
}

func TestMirror(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.backend.objects["assets/ui/logo.png"] = memObject{etag: "1", size: models.GiB / 2, data: []byte("png")}
	h.backend.objects["assets/ui/old.png"] = memObject{etag: "1", size: 3, data: []byte("old")}

	dir := t.TempDir()
	m, err := NewMirror(MirrorConfig{
		Lister:    storage.NewLister(h.backend, "assets", nil),
		Manifests: h.store,
		Dir:       dir,
	})
	require.NoError(t, err)

	r, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ui/logo.png", "ui/old.png"}, r.Downloaded)
	assert.FileExists(t, filepath.Join(dir, "ui", "old.png"))

	delete(h.backend.objects, "assets/ui/old.png")
	r, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ui/old.png"}, r.Removed)
	assert.NoFileExists(t, filepath.Join(dir, "ui", "old.png"))

	data, err := os.ReadFile(h.store.PathFor("assets"))
	require.NoError(t, err)
	assert.Equal(t, `{"ui/logo.png":["1",0.5]}`, string(data))
}

func TestSupervisorRunsUntilCancelled(t *testing.T) {
	h := newHarness(t, 100, 20)
	h.put("A", "e1", 1, "a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&Supervisor{Syncers: []*Syncer{h.syncer}, Bootstrap: h.syncer}).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(h.local("A"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
