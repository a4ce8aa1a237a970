package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/db"
	"github.com/zulandar/kommemeorate/internal/event"
	"github.com/zulandar/kommemeorate/internal/models"
	"github.com/zulandar/kommemeorate/internal/worker"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DatabaseURL: "sqlite://" + filepath.Join(dir, "memes.db"),
		Root:        filepath.Join(dir, "memes"),
	}
}

func openTestStorage(t *testing.T) (*Storage, Config) {
	t.Helper()
	cfg := testConfig(t)
	st, err := OpenStorage(cfg)
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, cfg
}

func src(id int64) event.Source {
	return event.Source{Platform: event.Telegram, Account: "alice", Channel: "memes", ChatID: "-1001", MessageID: id}
}

func img(data string) event.Image {
	return event.Image{Data: []byte(data), Caption: "caption " + data, Timestamp: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)}
}

func records(t *testing.T, st *Storage) []models.Meme {
	t.Helper()
	var out []models.Meme
	if err := st.Store.DB().Order("id").Find(&out).Error; err != nil {
		t.Fatalf("list records: %v", err)
	}
	return out
}

func blobs(t *testing.T, st *Storage) []string {
	t.Helper()
	names, err := st.Blobs.List()
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	return names
}

func apply(t *testing.T, st *Storage, evs ...event.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := st.Apply(context.Background(), zerolog.Nop(), ev); err != nil {
			t.Fatalf("Apply(%s): %v", ev.Kind(), err)
		}
	}
}

// --- Filename ---

func TestFilename(t *testing.T) {
	tests := []struct {
		name string
		src  event.Source
		data []byte
		want string
	}{
		{"telegram jpeg default", src(42), []byte("not sniffable"), "telegram-memes-alice-42.jpg"},
		{"png detected", src(42), pngHeader, "telegram-memes-alice-42.png"},
		{"empty labels", event.Source{Platform: event.Slack, MessageID: 7}, nil, "slack---7.jpg"},
		{"unsafe characters", event.Source{Platform: event.Discord, Account: "bob/../x", Channel: "cat pics", MessageID: 1},
			nil, "discord-cat_pics-bob_.._x-1.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filename(tt.src, tt.data); got != tt.want {
				t.Errorf("Filename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilename_Deterministic(t *testing.T) {
	a := Filename(src(42), []byte("x"))
	b := Filename(src(42), []byte("x"))
	if a != b {
		t.Errorf("Filename not deterministic: %q vs %q", a, b)
	}
}

// --- Apply ---

func TestApply_CreatedThenDeleted(t *testing.T) {
	st, _ := openTestStorage(t)

	apply(t, st, event.Created{Image: img("pixels"), Source: src(42)})
	if n := len(records(t, st)); n != 1 {
		t.Fatalf("records after create = %d, want 1", n)
	}
	if n := len(blobs(t, st)); n != 1 {
		t.Fatalf("blobs after create = %d, want 1", n)
	}

	apply(t, st, event.Deleted{Source: event.Source{Platform: event.Telegram, MessageID: 42}})
	if n := len(records(t, st)); n != 0 {
		t.Errorf("records after delete = %d, want 0", n)
	}
	if n := len(blobs(t, st)); n != 0 {
		t.Errorf("blobs after delete = %d, want 0", n)
	}
}

func TestApply_ReplayedCreatedIsIdempotent(t *testing.T) {
	st, _ := openTestStorage(t)

	ev := event.Created{Image: img("pixels"), Source: src(42)}
	apply(t, st, ev, ev)

	recs := records(t, st)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if len(blobs(t, st)) != 1 {
		t.Errorf("blobs = %v, want 1", blobs(t, st))
	}
}

func TestApply_EventSequences(t *testing.T) {
	created := func(d string) event.Event { return event.Created{Image: img(d), Source: src(42)} }
	updated := func(d string) event.Event { return event.Updated{Image: img(d), Source: src(42)} }
	deleted := event.Deleted{Source: event.Source{Platform: event.Telegram, ChatID: "-1001", MessageID: 42}}

	tests := []struct {
		name     string
		events   []event.Event
		wantData string // empty means nothing stored
	}{
		{"create", []event.Event{created("a")}, "a"},
		{"create update", []event.Event{created("a"), updated("b")}, "b"},
		{"create update update", []event.Event{created("a"), updated("b"), updated("c")}, "c"},
		{"create delete", []event.Event{created("a"), deleted}, ""},
		{"create update delete", []event.Event{created("a"), updated("b"), deleted}, ""},
		{"create delete create", []event.Event{created("a"), deleted, created("z")}, "z"},
		{"update without create", []event.Event{updated("u")}, "u"},
		{"delete without create", []event.Event{deleted}, ""},
		{"delete delete", []event.Event{created("a"), deleted, deleted}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := openTestStorage(t)
			apply(t, st, tt.events...)

			recs := records(t, st)
			names := blobs(t, st)
			if tt.wantData == "" {
				if len(recs) != 0 || len(names) != 0 {
					t.Fatalf("records=%d blobs=%v, want nothing stored", len(recs), names)
				}
				return
			}
			if len(recs) != 1 || len(names) != 1 {
				t.Fatalf("records=%d blobs=%v, want exactly one of each", len(recs), names)
			}
			if recs[0].Filename != names[0] {
				t.Errorf("record filename %q != blob %q", recs[0].Filename, names[0])
			}
			if recs[0].Text != "caption "+tt.wantData {
				t.Errorf("text = %q, want caption of %q", recs[0].Text, tt.wantData)
			}
			data, err := st.Blobs.Read(names[0])
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.wantData {
				t.Errorf("blob = %q, want %q", data, tt.wantData)
			}
		})
	}
}

func TestApply_UpdateWithNewNameRemovesOldBlob(t *testing.T) {
	st, _ := openTestStorage(t)

	apply(t, st, event.Created{Image: img("a"), Source: src(42)})
	renamed := src(42)
	renamed.Account = "alice_renamed"
	apply(t, st, event.Updated{Image: img("b"), Source: renamed})

	names := blobs(t, st)
	if len(names) != 1 || names[0] != "telegram-memes-alice_renamed-42.jpg" {
		t.Errorf("blobs = %v, want only the renamed file", names)
	}
	recs := records(t, st)
	if len(recs) != 1 || recs[0].Account != "alice_renamed" {
		t.Errorf("records = %+v, want one record for the new account", recs)
	}
}

func TestApply_DeleteWithoutChatMatchesEveryChat(t *testing.T) {
	st, _ := openTestStorage(t)

	other := src(42)
	other.ChatID = "-2002"
	other.Channel = "cats"
	apply(t, st,
		event.Created{Image: img("a"), Source: src(42)},
		event.Created{Image: img("b"), Source: other},
		event.Created{Image: img("c"), Source: src(43)},
	)

	apply(t, st, event.Deleted{Source: event.Source{Platform: event.Telegram, MessageID: 42}})

	recs := records(t, st)
	if len(recs) != 1 || *recs[0].SourceMessageID != 43 {
		t.Errorf("records = %+v, want only message 43", recs)
	}
}

func TestApply_StoresMetadata(t *testing.T) {
	st, _ := openTestStorage(t)

	im := img("a")
	im.Spoiler = true
	apply(t, st, event.Created{Image: im, Source: src(42)})

	rec, err := st.Store.Get(context.Background(), db.Key{Platform: "telegram", ChatID: "-1001", MessageID: 42})
	if err != nil || rec == nil {
		t.Fatalf("Get = (%v, %v)", rec, err)
	}
	if !rec.Spoiler || rec.Account != "alice" || rec.Channel != "memes" || !rec.Timestamp.Equal(im.Timestamp) {
		t.Errorf("record = %+v, want metadata of the event", rec)
	}
}

func TestApply_StorageErrorIsReturned(t *testing.T) {
	st, _ := openTestStorage(t)
	if err := st.Store.Close(); err != nil {
		t.Fatal(err)
	}
	err := st.Apply(context.Background(), zerolog.Nop(), event.Created{Image: img("a"), Source: src(1)})
	if err == nil {
		t.Fatal("expected error with closed record store")
	}
}

// --- Reconcile ---

func TestReconcile(t *testing.T) {
	st, _ := openTestStorage(t)
	apply(t, st,
		event.Created{Image: img("a"), Source: src(1)},
		event.Created{Image: img("b"), Source: src(2)},
	)

	// Record without blob, blob without record, leftover temp file.
	os.Remove(st.Blobs.Path(Filename(src(1), []byte("a"))))
	st.Blobs.Write("stray.jpg", []byte("x"))
	os.WriteFile(filepath.Join(st.Blobs.Root(), ".tmp-crash"), []byte("x"), 0o600)

	rep, err := st.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(rep.OrphanRecords) != 1 || len(rep.OrphanBlobs) != 1 || rep.OrphanBlobs[0] != "stray.jpg" {
		t.Fatalf("report = %+v, want one orphan record and stray.jpg", rep)
	}
	if len(records(t, st)) != 2 {
		t.Fatal("dry run modified records")
	}

	rep, err = st.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rep.TempFiles != 1 {
		t.Errorf("temp files = %d, want 1", rep.TempFiles)
	}
	recs := records(t, st)
	if len(recs) != 1 || *recs[0].SourceMessageID != 2 {
		t.Errorf("records = %+v, want only message 2", recs)
	}
	names := blobs(t, st)
	if len(names) != 1 || strings.Contains(names[0], "stray") {
		t.Errorf("blobs = %v, want only message 2's blob", names)
	}

	rep, err = st.Reconcile(context.Background(), true)
	if err != nil || !rep.Clean() {
		t.Errorf("second pass = (%+v, %v), want clean", rep, err)
	}
}

// --- Schedule ---

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("")
	if err != nil || sched != nil {
		t.Errorf("empty expression = (%v, %v), want (nil, nil)", sched, err)
	}
	if _, err := ParseSchedule("not a cron expr"); err == nil {
		t.Error("expected error for invalid expression")
	}
	sched, err = ParseSchedule("0 4 * * *")
	if err != nil {
		t.Fatalf("ParseSchedule: %v", err)
	}
	now := time.Date(2024, 1, 1, 3, 0, 0, 0, time.Local)
	if d := untilNext(sched, now); d != time.Hour {
		t.Errorf("untilNext = %v, want 1h", d)
	}
}

// --- Consumer worker ---

func testOpts() worker.Options {
	return worker.Options{Name: "persist", Logger: zerolog.Nop()}
}

func countRecords(t *testing.T, cfg Config) int {
	t.Helper()
	st, err := OpenStorage(cfg)
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	defer st.Close()
	n, err := st.Store.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return int(n)
}

func TestSpawn_RejectsBadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseURL = "nosuchscheme://x"
	if _, _, err := Spawn(testOpts(), cfg, 4); err == nil {
		t.Fatal("expected error for bad database url")
	}

	cfg = testConfig(t)
	cfg.Reconcile = "every tuesday"
	if _, _, err := Spawn(testOpts(), cfg, 4); err == nil {
		t.Fatal("expected error for bad reconcile schedule")
	}
}

func TestConsumer_ShutdownDrainsQueue(t *testing.T) {
	cfg := testConfig(t)
	h, events, err := Spawn(testOpts(), cfg, DefaultQueueSize)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	for i := int64(1); i <= 10; i++ {
		events <- event.Created{Image: img("x"), Source: src(i)}
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := countRecords(t, cfg); n != 10 {
		t.Errorf("records = %d, want 10", n)
	}
}

func TestConsumer_ReloadLosesNothing(t *testing.T) {
	cfg := testConfig(t)
	h, events, err := Spawn(testOpts(), cfg, 4)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 40; i++ {
			events <- event.Created{Image: img("x"), Source: src(i)}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	next, err := h.Reload(cfg)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	<-done
	if err := next.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := countRecords(t, cfg); n != 40 {
		t.Errorf("records = %d, want 40", n)
	}
}

func TestConsumer_ReloadRejectedKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	h, events, err := Spawn(testOpts(), cfg, 4)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	bad := cfg
	bad.DatabaseURL = "nosuchscheme://x"
	same, err := h.Reload(bad)
	if err == nil {
		t.Fatal("expected rejected reload")
	}
	if same != h {
		t.Fatal("rejected reload should keep the running consumer")
	}

	events <- event.Created{Image: img("x"), Source: src(1)}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := countRecords(t, cfg); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestConsumer_StorageErrorIsFatal(t *testing.T) {
	cfg := testConfig(t)
	h, events, err := Spawn(testOpts(), cfg, 4)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// Replace the blob directory with a file so the next write fails.
	if err := os.RemoveAll(cfg.Root); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Root, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}

	events <- event.Created{Image: img("x"), Source: src(1)}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept running after storage error")
	}
	err = h.Shutdown()
	if err == nil || !strings.Contains(err.Error(), "apply created") {
		t.Errorf("Shutdown error = %v, want storage failure", err)
	}
}

func TestConsumer_ReconcileOnStart(t *testing.T) {
	cfg := testConfig(t)
	st, err := OpenStorage(cfg)
	if err != nil {
		t.Fatal(err)
	}
	st.Blobs.Write("stray.jpg", []byte("x"))
	st.Close()

	cfg.ReconcileOnStart = true
	h, _, err := Spawn(testOpts(), cfg, 1)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Root, "stray.jpg")); !os.IsNotExist(err) {
		t.Error("stray blob survived reconcile on start")
	}
}
