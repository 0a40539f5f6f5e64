package bitcoin

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/pkg/log"
)

const (
	prevA = "0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"
	prevB = "3a2f1c4e5d6b7a8990a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f607"
)

func templateResult(prev string, height int64) *btcjson.GetBlockTemplateResult {
	value := int64(5000000000)
	return &btcjson.GetBlockTemplateResult{
		Version:       0x20000000,
		Bits:          "207fffff",
		PreviousHash:  prev,
		Height:        height,
		CurTime:       1700000000,
		CoinbaseValue: &value,
	}
}

type fakeSource struct {
	mu        sync.Mutex
	templates []*btcjson.GetBlockTemplateResult
	err       error
	tip       string
}

func (f *fakeSource) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := f.templates[0]
	if len(f.templates) > 1 {
		f.templates = f.templates[1:]
	}
	return t, nil
}

func (f *fakeSource) GetBestBlockHash(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

type fakeStore struct {
	mu      sync.Mutex
	signals []job.Signal
	skip    bool
	seen    chan struct{}
}

func (f *fakeStore) HandleSignal(tpl *job.Template, sig job.Signal) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	if f.seen != nil {
		select {
		case f.seen <- struct{}{}:
		default:
		}
	}
	if f.skip {
		return nil, nil
	}
	return &job.Job{ID: "1", Height: tpl.Height, CleanJobs: sig.NewBlock}, nil
}

func (f *fakeStore) list() []job.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]job.Signal(nil), f.signals...)
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (f *fakeBroadcaster) Broadcast(j *job.Job) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return 3
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestFeed(src *fakeSource, store *fakeStore) (*Feed, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	return NewFeed(src, store, b, FeedConfig{RefreshInterval: time.Hour}, log.Nop()), b
}

func TestFeed_PrevHashChangeIsNewBlock(t *testing.T) {
	src := &fakeSource{templates: []*btcjson.GetBlockTemplateResult{
		templateResult(prevA, 100),
		templateResult(prevA, 100),
		templateResult(prevB, 101),
	}}
	store := &fakeStore{}
	f, b := newTestFeed(src, store)
	ctx := context.Background()

	for tick := range uint64(3) {
		if _, err := f.refresh(ctx, job.Signal{Tick: tick}); err != nil {
			t.Fatalf("refresh(%d) error = %v", tick, err)
		}
	}

	want := []job.Signal{{Tick: 0}, {Tick: 1}, {Tick: 2, NewBlock: true}}
	if got := store.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("signals = %+v, want %+v", got, want)
	}
	if b.count() != 3 {
		t.Errorf("broadcasts = %d, want 3", b.count())
	}
}

func TestFeed_SkippedTemplateNotBroadcast(t *testing.T) {
	src := &fakeSource{templates: []*btcjson.GetBlockTemplateResult{templateResult(prevA, 100)}}
	store := &fakeStore{skip: true}
	f, b := newTestFeed(src, store)

	j, err := f.refresh(context.Background(), job.Signal{Tick: 4})
	if err != nil || j != nil {
		t.Fatalf("refresh() = %v, %v; want nil, nil", j, err)
	}
	if b.count() != 0 {
		t.Error("skipped template was broadcast")
	}
}

func TestFeed_InvalidTemplate(t *testing.T) {
	bad := templateResult(prevA, 100)
	bad.Bits = "not-hex"
	f, b := newTestFeed(&fakeSource{templates: []*btcjson.GetBlockTemplateResult{bad}}, &fakeStore{})

	if _, err := f.refresh(context.Background(), job.Signal{}); err == nil {
		t.Fatal("expected decode error")
	}
	if b.count() != 0 {
		t.Error("invalid template was broadcast")
	}
}

func TestFeed_PollTip(t *testing.T) {
	src := &fakeSource{
		templates: []*btcjson.GetBlockTemplateResult{templateResult(prevA, 100), templateResult(prevB, 101)},
		tip:       prevA,
	}
	store := &fakeStore{}
	f, _ := newTestFeed(src, store)
	ctx := context.Background()

	if _, err := f.refresh(ctx, job.Signal{}); err != nil {
		t.Fatal(err)
	}
	if err := f.pollTip(ctx); err != nil {
		t.Fatal(err)
	}
	if len(store.list()) != 1 {
		t.Fatalf("unchanged tip triggered a refresh: %+v", store.list())
	}

	src.mu.Lock()
	src.tip = prevB
	src.mu.Unlock()
	if err := f.pollTip(ctx); err != nil {
		t.Fatal(err)
	}
	got := store.list()
	if len(got) != 2 || !got[1].NewBlock {
		t.Errorf("signals = %+v, want a second new-block signal", got)
	}
}

func TestFeed_RunFailsWithoutInitialJob(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	f, _ := newTestFeed(src, &fakeStore{})

	if err := f.Run(context.Background()); err == nil {
		t.Fatal("Run() should fail when the first template cannot be fetched")
	}
}

func TestFeed_RunTicksAndPushes(t *testing.T) {
	src := &fakeSource{templates: []*btcjson.GetBlockTemplateResult{templateResult(prevA, 100)}}
	store := &fakeStore{seen: make(chan struct{}, 1)}
	b := &fakeBroadcaster{}
	f := NewFeed(src, store, b, FeedConfig{RefreshInterval: 5 * time.Millisecond}, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitSignals := func(n int) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for len(store.list()) < n {
			select {
			case <-store.seen:
			case <-deadline:
				t.Fatalf("saw %d signals, want %d", len(store.list()), n)
			}
		}
	}

	waitSignals(3)
	f.NotifyNewBlock(prevB)
	deadline := time.After(2 * time.Second)
	for {
		var pushed bool
		for _, s := range store.list() {
			pushed = pushed || s.NewBlock
		}
		if pushed {
			break
		}
		select {
		case <-store.seen:
		case <-deadline:
			t.Fatal("block push never produced a new-block signal")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	signals := store.list()
	if signals[0].Tick != 0 || signals[1].Tick != 1 || signals[2].Tick != 2 {
		t.Errorf("first ticks = %+v", signals[:3])
	}
}

func TestFeed_NotifyNewBlockCollapses(t *testing.T) {
	f, _ := newTestFeed(&fakeSource{}, &fakeStore{})
	f.NotifyNewBlock("a")
	f.NotifyNewBlock("b")
	if len(f.blocks) != 1 {
		t.Errorf("pending pushes = %d, want 1", len(f.blocks))
	}
}

// recordingRegistry counts the templates a real registry debounces.
type recordingRegistry struct {
	*job.Registry
	mu      sync.Mutex
	signals []job.Signal
	skipped int
	seen    chan struct{}
}

func (r *recordingRegistry) HandleSignal(tpl *job.Template, sig job.Signal) (*job.Job, error) {
	j, err := r.Registry.HandleSignal(tpl, sig)
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	if j == nil && err == nil {
		r.skipped++
	}
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
	return j, err
}

func (r *recordingRegistry) snapshot() ([]job.Signal, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Signal(nil), r.signals...), r.skipped
}

func TestFeed_TimerTicksAreNeverDebounced(t *testing.T) {
	split, err := job.ResolvePayouts([]job.Payout{
		{Address: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", Percent: 100},
	}, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatal(err)
	}
	registry := &recordingRegistry{
		Registry: job.NewRegistry(job.NewBuilder(log.Nop()), split, "", job.RegistryConfig{}, log.Nop()),
		seen:     make(chan struct{}, 1),
	}
	src := &fakeSource{templates: []*btcjson.GetBlockTemplateResult{templateResult(prevA, 100)}}
	f := NewFeed(src, registry, &fakeBroadcaster{}, FeedConfig{RefreshInterval: 5 * time.Millisecond}, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if signals, _ := registry.snapshot(); len(signals) >= 6 {
			break
		}
		select {
		case <-registry.seen:
		case <-deadline:
			t.Fatal("feed stopped refreshing")
		}
	}
	cancel()
	<-done

	signals, skipped := registry.snapshot()
	if skipped != 0 {
		t.Errorf("registry skipped %d timer templates", skipped)
	}
	for i := 1; i < len(signals); i++ {
		if signals[i].NewBlock {
			t.Errorf("signal %d = %+v, want a plain refresh", i, signals[i])
		}
		if signals[i].Tick <= signals[i-1].Tick {
			t.Errorf("tick %d after %d", signals[i].Tick, signals[i-1].Tick)
		}
	}
	current := registry.Current()
	if current.CleanJobs || current.Seq != uint64(len(signals)) {
		t.Errorf("current job seq=%d clean=%v, want seq %d without clean", current.Seq, current.CleanJobs, len(signals))
	}
}
