package processor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"logcollector/internal/aggregate"
	"logcollector/internal/filter"
	"logcollector/internal/sink"
	"logcollector/internal/source"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]sink.Event
	sources []source.Source
	err     error
	delay   time.Duration
}

func (c *captureSink) Deliver(ctx context.Context, src source.Source, events []sink.Event) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, events)
	c.sources = append(c.sources, src)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) totalEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func (c *captureSink) batch(i int) []sink.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[i]
}

func testManagers(t *testing.T) (*filter.Manager, *aggregate.Manager) {
	t.Helper()
	dir := t.TempDir()
	filters, err := filter.NewManager(filter.Config{Path: filepath.Join(dir, "filters.json")})
	if err != nil {
		t.Fatalf("filter.NewManager() error = %v", err)
	}
	agg, err := aggregate.NewManager(aggregate.Config{Path: filepath.Join(dir, "policy.json")})
	if err != nil {
		t.Fatalf("aggregate.NewManager() error = %v", err)
	}
	return filters, agg
}

func hecSource(id string, batch int) source.Source {
	return source.Source{
		ID:        id,
		Name:      "src-" + id,
		PeerIP:    "10.0.0.1",
		Port:      514,
		Protocol:  source.UDP,
		Target:    source.HEC,
		HECURL:    "http://collector.example/services/collector",
		HECToken:  "tok",
		BatchSize: batch,
	}
}

func folderSource(id string, batch int) source.Source {
	return source.Source{
		ID:         id,
		Name:       "src-" + id,
		PeerIP:     "10.0.0.2",
		Port:       515,
		Protocol:   source.TCP,
		Target:     source.Folder,
		FolderPath: "/var/log/out",
		BatchSize:  batch,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBatchSizeFlush(t *testing.T) {
	filters, agg := testManagers(t)
	hec := &captureSink{}
	src := hecSource("s1", 3)
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(src, "one")
	p.Enqueue(src, "two")
	p.Enqueue(src, "three")

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 }, "batch never flushed")
	if n := len(hec.batch(0)); n != 3 {
		t.Errorf("batch has %d events, want 3", n)
	}
	if got := hec.batch(0)[0].Source; got != "src-s1" {
		t.Errorf("event source = %q, want src-s1", got)
	}
}

func TestFlushIntervalForcesDelivery(t *testing.T) {
	filters, agg := testManagers(t)
	hec := &captureSink{}
	src := hecSource("s1", 100)
	p := NewPool(Config{
		Sources:       []source.Source{src},
		Filters:       filters,
		Aggregator:    agg,
		HECSink:       hec,
		FlushInterval: 200 * time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(src, "a")
	p.Enqueue(src, "b")

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 }, "aged batch never flushed")
	if n := len(hec.batch(0)); n != 2 {
		t.Errorf("batch has %d events, want 2", n)
	}
}

func TestTemplateCapturedOnFirstRecord(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 10)
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    &captureSink{},
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(src, `{"level":"info","msg":"first"}`)
	p.Enqueue(src, `{"level":"warn","msg":"second"}`)

	tpl, ok := agg.Template(src.ID)
	if !ok {
		t.Fatal("no template captured")
	}
	if tpl.Log != `{"level":"info","msg":"first"}` {
		t.Errorf("template log = %q, want the first record", tpl.Log)
	}
}

func TestFilteredRecordsNeverQueued(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 1)
	if _, err := filters.AddRule(src.ID, "level", "debug"); err != nil {
		t.Fatalf("AddRule() error = %v", err)
	}

	hec := &captureSink{}
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(src, `{"level":"debug","msg":"drop me"}`)
	p.Enqueue(src, `{"level":"info","msg":"keep me"}`)

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 }, "kept record never delivered")
	ev, ok := hec.batch(0)[0].Event.(map[string]any)
	if !ok {
		t.Fatalf("event payload = %T, want object", hec.batch(0)[0].Event)
	}
	if ev["level"] != "info" {
		t.Errorf("delivered level = %v, want info", ev["level"])
	}

	if got := p.Stats().Filtered; got != 1 {
		t.Errorf("Stats().Filtered = %d, want 1", got)
	}

	// The template still comes from the first record, filtered or not.
	tpl, ok := agg.Template(src.ID)
	if !ok {
		t.Fatal("no template captured")
	}
	if tpl.Log != `{"level":"debug","msg":"drop me"}` {
		t.Errorf("template log = %q, want the filtered first record", tpl.Log)
	}
}

func TestAggregationAppliedOnFlush(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 4)
	hec := &captureSink{}
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	// Capture the template, then group on level.
	p.Enqueue(src, `{"level":"error","msg":"a"}`)
	if _, err := agg.CreatePolicy(src.ID, []string{"level"}); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
	p.Enqueue(src, `{"level":"error","msg":"b"}`)
	p.Enqueue(src, `{"level":"error","msg":"c"}`)
	p.Enqueue(src, `{"level":"info","msg":"d"}`)

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 }, "batch never flushed")
	if n := len(hec.batch(0)); n != 2 {
		t.Errorf("delivered %d events, want 2 after aggregation", n)
	}
	if got := p.Stats().Processed; got != 4 {
		t.Errorf("Stats().Processed = %d, want the pre-aggregation record count 4", got)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 100)
	hec := &captureSink{}
	p := NewPool(Config{
		Sources:       []source.Source{src},
		Filters:       filters,
		Aggregator:    agg,
		HECSink:       hec,
		FlushInterval: time.Hour,
	})
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.Enqueue(src, "queued record")
	}
	p.Stop()

	if got := hec.totalEvents(); got != 5 {
		t.Errorf("delivered %d events after Stop, want 5", got)
	}
	if got := p.Stats().Processed; got != 5 {
		t.Errorf("Stats().Processed = %d, want 5", got)
	}
}

func TestBacklogScalesWorkers(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 5)
	hec := &captureSink{delay: 100 * time.Millisecond}
	p := NewPool(Config{
		Sources:      []source.Source{src},
		Filters:      filters,
		Aggregator:   agg,
		HECSink:      hec,
		QueueSoftCap: 10,
		MaxWorkers:   3,
	})
	p.Start(context.Background())

	for i := 0; i < 50; i++ {
		p.Enqueue(src, "burst record")
	}

	stats := p.Stats()
	if stats.Sources[src.ID].Workers < 2 {
		t.Errorf("workers = %d, want scale-up beyond 1", stats.Sources[src.ID].Workers)
	}
	if stats.Sources[src.ID].Workers > 3 {
		t.Errorf("workers = %d, want the cap respected", stats.Sources[src.ID].Workers)
	}

	p.Stop()
	if got := hec.totalEvents(); got != 50 {
		t.Errorf("delivered %d events, want all 50", got)
	}
}

func TestSinkRouting(t *testing.T) {
	filters, agg := testManagers(t)
	hecSrc := hecSource("s1", 1)
	folderSrc := folderSource("s2", 1)
	hec := &captureSink{}
	folder := &captureSink{}
	p := NewPool(Config{
		Sources:    []source.Source{hecSrc, folderSrc},
		Filters:    filters,
		Aggregator: agg,
		FolderSink: folder,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(hecSrc, "to hec")
	p.Enqueue(folderSrc, "to folder")

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 && folder.count() == 1 },
		"batches not routed to both sinks")
	if hec.sources[0].ID != "s1" {
		t.Errorf("hec sink got source %q, want s1", hec.sources[0].ID)
	}
	if folder.sources[0].ID != "s2" {
		t.Errorf("folder sink got source %q, want s2", folder.sources[0].ID)
	}
}

func TestDeliveryFailureCounted(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 1)
	hec := &captureSink{err: errors.New("collector down")}
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(src, "doomed")

	waitFor(t, 3*time.Second, func() bool { return p.Stats().Failures == 1 },
		"failure never counted")
	if got := p.Stats().Processed; got != 0 {
		t.Errorf("Stats().Processed = %d, want 0 after failed delivery", got)
	}
}

func TestUnknownSourceDropped(t *testing.T) {
	filters, agg := testManagers(t)
	hec := &captureSink{}
	p := NewPool(Config{
		Sources:    []source.Source{hecSource("s1", 1)},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})
	p.Start(context.Background())
	defer p.Stop()

	p.Enqueue(source.Source{ID: "ghost", Name: "ghost"}, "lost")

	time.Sleep(100 * time.Millisecond)
	if hec.count() != 0 {
		t.Error("record for unknown source was delivered")
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	filters, agg := testManagers(t)
	src := hecSource("s1", 2)
	hec := &captureSink{}
	p := NewPool(Config{
		Sources:    []source.Source{src},
		Filters:    filters,
		Aggregator: agg,
		HECSink:    hec,
	})

	p.Enqueue(src, "early one")
	p.Enqueue(src, "early two")

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 3*time.Second, func() bool { return hec.count() == 1 }, "pre-start records never delivered")
	if n := len(hec.batch(0)); n != 2 {
		t.Errorf("batch has %d events, want 2", n)
	}
}
