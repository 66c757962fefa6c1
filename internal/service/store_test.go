package service

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"streamvault/internal/models"
	"streamvault/internal/persistence"
	"streamvault/internal/timeutil"
)

// For any valid partial record, Add followed by Load on a fresh store over
// the same medium yields the same field values plus an id and addedAt.
func TestAddLoadRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("added record survives a persistence round-trip", prop.ForAll(
		func(url, title, description string, tags []string, category string) bool {
			medium := newMemMedium()
			store := NewRecordStore(persistence.NewBlobAdapter(medium))
			store.Load()

			cat := models.Category(category)
			added, err := store.Add(models.PartialStreamRecord{
				URL:         &url,
				Title:       &title,
				Description: &description,
				Tags:        tags,
				Category:    &cat,
			})
			if err != nil {
				t.Logf("Add failed: %v", err)
				return false
			}
			if added.ID == "" || added.AddedAt.IsZero() {
				return false
			}

			reloaded := NewRecordStore(persistence.NewBlobAdapter(medium)).Load()
			if len(reloaded) != 1 {
				return false
			}
			got := reloaded[0]

			wantTitle := title
			if wantTitle == "" {
				wantTitle = url
			}
			return got.ID == added.ID &&
				got.AddedAt.Equal(added.AddedAt) &&
				got.URL == url &&
				got.Title == wantTitle &&
				got.Description == description &&
				got.Category == cat &&
				reflect.DeepEqual(got.Tags, dedupeTags(tags))
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.OneConstOf("Anime", "Movies", "News", "Kids"), reflect.TypeOf("")),
		gen.OneConstOf("movie", "series", "live", "other"),
	))

	properties.TestingRun(t)
}

func TestAddDefaults(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	timeutil.SetNowFunc(func() time.Time { return fixed })
	defer timeutil.SetNowFunc(nil)

	store, _ := newTestStore()
	rec, err := store.Add(partial("https://example.com/a", "x", "y", "x"))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if rec.Title != "https://example.com/a" {
		t.Errorf("Expected title to default to url, got %q", rec.Title)
	}
	if rec.Category != models.CategoryOther {
		t.Errorf("Expected category other, got %q", rec.Category)
	}
	if !rec.AddedAt.Equal(fixed) {
		t.Errorf("Expected addedAt %v, got %v", fixed, rec.AddedAt)
	}
	if !reflect.DeepEqual(rec.Tags, []string{"x", "y"}) {
		t.Errorf("Expected deduplicated tags [x y], got %v", rec.Tags)
	}
}

func TestAddRejectsInvalidRecords(t *testing.T) {
	store, adapter := newTestStore()

	cases := map[string]models.PartialStreamRecord{
		"missing url":      {},
		"blank url":        partial("   "),
		"unknown category": {URL: strPtr("u"), Category: catPtr("podcast")},
		"zero season": {URL: strPtr("u"), Episodes: []models.EpisodeRecord{
			{Season: 0, Episode: 1},
		}},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.Add(p)
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("Expected ErrInvalidRecord, got %v", err)
			}
		})
	}

	if store.Len() != 0 || adapter.Saves() != 0 {
		t.Errorf("Expected no effect, got %d records and %d saves", store.Len(), adapter.Saves())
	}
}

func TestAddDuplicateEpisodesAllowed(t *testing.T) {
	store, _ := newTestStore()
	rec, err := store.Add(models.PartialStreamRecord{
		URL:      strPtr("https://example.com/show"),
		Category: catPtr(models.CategorySeries),
		Episodes: []models.EpisodeRecord{
			{ID: "e1", Season: 1, Episode: 1},
			{ID: "e2", Season: 1, Episode: 1},
		},
	})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(rec.Episodes) != 2 {
		t.Errorf("Expected both episodes kept, got %d", len(rec.Episodes))
	}
}

func TestAddExistingIDUpdates(t *testing.T) {
	store, _ := newTestStore()
	first, _ := store.Add(partial("https://example.com/a"))

	second, err := store.Add(models.PartialStreamRecord{ID: &first.ID, Title: strPtr("Renamed")})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", store.Len())
	}
	if second.Title != "Renamed" || second.URL != first.URL || !second.AddedAt.Equal(first.AddedAt) {
		t.Errorf("Expected merged record, got %+v", second)
	}
}

func TestAddManySingleWrite(t *testing.T) {
	store, adapter := newTestStore()

	_, err := store.AddMany([]models.PartialStreamRecord{
		partial("https://example.com/1"),
		partial("https://example.com/2"),
		partial("https://example.com/3"),
		partial("https://example.com/4"),
	})
	if err != nil {
		t.Fatalf("AddMany failed: %v", err)
	}

	if adapter.Saves() != 1 {
		t.Errorf("Expected exactly 1 persistence write, got %d", adapter.Saves())
	}
	if store.Len() != 4 {
		t.Errorf("Expected 4 records, got %d", store.Len())
	}
}

func TestAddManyIsAtomic(t *testing.T) {
	store, adapter := newTestStore()
	store.Add(partial("https://example.com/keep"))
	before := adapter.Saves()

	_, err := store.AddMany([]models.PartialStreamRecord{
		partial("https://example.com/1"),
		{Title: strPtr("no url")},
	})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}
	if store.Len() != 1 || adapter.Saves() != before {
		t.Errorf("Expected no partial effect, got %d records, %d saves", store.Len(), adapter.Saves()-before)
	}
}

func TestSaveFailureLeavesCollectionUntouched(t *testing.T) {
	store, adapter := newTestStore()
	rec, _ := store.Add(partial("https://example.com/a"))
	version := store.Version()

	adapter.SetFail(true)
	if _, err := store.Add(partial("https://example.com/b")); err == nil {
		t.Error("Expected Add to return the save error")
	}
	if _, err := store.Update(rec.ID, models.PartialStreamRecord{Title: strPtr("x")}); err == nil {
		t.Error("Expected Update to return the save error")
	}
	if err := store.Clear(); err == nil {
		t.Error("Expected Clear to return the save error")
	}

	if store.Len() != 1 || store.Version() != version {
		t.Errorf("Expected unchanged collection, got %d records at version %d", store.Len(), store.Version())
	}
	if got, _ := store.Get(rec.ID); got.Title != rec.Title {
		t.Errorf("Expected title %q, got %q", rec.Title, got.Title)
	}
}

// For any patch, Update leaves every absent field as it was.
func TestUpdatePreservesAbsentFields(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("absent fields are untouched", prop.ForAll(
		func(patchTitle, patchDescription bool, title, description string) bool {
			store, _ := newTestStore()
			orig, err := store.Add(models.PartialStreamRecord{
				URL:          strPtr("https://example.com/orig"),
				Title:        strPtr("Original"),
				Description:  strPtr("Original description"),
				ThumbnailURL: strPtr("https://example.com/t.png"),
				Tags:         []string{"Anime"},
				Category:     catPtr(models.CategorySeries),
			})
			if err != nil {
				return false
			}

			var patch models.PartialStreamRecord
			if patchTitle {
				patch.Title = &title
			}
			if patchDescription {
				patch.Description = &description
			}

			got, err := store.Update(orig.ID, patch)
			if err != nil {
				return false
			}

			wantTitle := orig.Title
			if patchTitle {
				wantTitle = title
				if wantTitle == "" {
					wantTitle = orig.URL
				}
			}
			wantDescription := orig.Description
			if patchDescription {
				wantDescription = description
			}

			return got.ID == orig.ID &&
				got.AddedAt.Equal(orig.AddedAt) &&
				got.URL == orig.URL &&
				got.Title == wantTitle &&
				got.Description == wantDescription &&
				got.ThumbnailURL == orig.ThumbnailURL &&
				got.Category == orig.Category &&
				reflect.DeepEqual(got.Tags, orig.Tags)
		},
		gen.Bool(),
		gen.Bool(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestUpdateIDAndAddedAtImmutable(t *testing.T) {
	store, _ := newTestStore()
	orig, _ := store.Add(partial("https://example.com/a"))

	otherID := "other"
	later := orig.AddedAt.Add(time.Hour)
	got, err := store.Update(orig.ID, models.PartialStreamRecord{ID: &otherID, AddedAt: &later})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.ID != orig.ID || !got.AddedAt.Equal(orig.AddedAt) {
		t.Errorf("Expected id and addedAt unchanged, got %s %v", got.ID, got.AddedAt)
	}
}

func TestUpdateUnknownID(t *testing.T) {
	store, adapter := newTestStore()
	store.Add(partial("https://example.com/a"))
	before, saves := store.Records(), adapter.Saves()

	_, err := store.Update("missing", models.PartialStreamRecord{Title: strPtr("x")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if !reflect.DeepEqual(store.Records(), before) || adapter.Saves() != saves {
		t.Error("Expected Update on unknown id to have no side effect")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	store, _ := newTestStore()
	a, _ := store.Add(partial("https://example.com/a"))
	store.Add(partial("https://example.com/b"))

	removed, err := store.Remove(a.ID)
	if err != nil || !removed {
		t.Fatalf("Expected first Remove to succeed, got %v, %v", removed, err)
	}
	after := store.Records()

	removed, err = store.Remove(a.ID)
	if err != nil || removed {
		t.Fatalf("Expected second Remove to report false, got %v, %v", removed, err)
	}
	if !reflect.DeepEqual(store.Records(), after) {
		t.Error("Expected second Remove to leave the collection unchanged")
	}
	if _, ok := store.Get(a.ID); ok {
		t.Error("Expected removed record to be gone")
	}
}

func TestClear(t *testing.T) {
	store, adapter := newTestStore()
	store.AddMany([]models.PartialStreamRecord{partial("a"), partial("b")})

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store, got %d", store.Len())
	}
	if loaded, _ := adapter.Load(); len(loaded.Records) != 0 {
		t.Errorf("Expected empty persisted collection, got %d", len(loaded.Records))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store, _ := newTestStore()
	store.AddMany([]models.PartialStreamRecord{
		partial("https://example.com/1", "Anime"),
		{
			URL:                strPtr("https://example.com/2"),
			Title:              strPtr("Second"),
			CustomThumbnailURL: strPtr("https://example.com/c.png"),
			Category:           catPtr(models.CategorySeries),
			Episodes: []models.EpisodeRecord{
				{ID: "ep1", Title: "Pilot", Season: 1, Episode: 1, URL: "https://example.com/2/1", Rating: 8.5},
			},
		},
		partial("https://example.com/3", "Movies", "Anime"),
	})

	exported, err := store.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}

	fresh, _ := newTestStore()
	n, err := fresh.ImportSnapshot(exported)
	if err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 imported records, got %d", n)
	}

	again, err := fresh.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}
	if !bytes.Equal(exported, again) {
		t.Errorf("Expected identical exports\nfirst:  %s\nsecond: %s", exported, again)
	}
}

func TestImportIsAdditive(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("https://example.com/existing"))

	n, err := store.ImportSnapshot([]byte(`[{"url":"https://example.com/new","tags":["News"]}]`))
	if err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}
	if n != 1 || store.Len() != 2 {
		t.Errorf("Expected 1 imported and 2 total, got %d and %d", n, store.Len())
	}
}

func TestImportMalformedIsAtomic(t *testing.T) {
	inputs := map[string]string{
		"object":          `{"url":"https://example.com"}`,
		"not json":        `hello`,
		"empty":           ``,
		"scalar element":  `[{"url":"a"}, 42]`,
		"invalid element": `[{"url":"a"}, {"title":"no url"}]`,
		"bad category":    `[{"url":"a","category":"podcast"}]`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			store, adapter := newTestStore()
			store.Add(partial("https://example.com/keep"))
			before, saves := store.Records(), adapter.Saves()

			_, err := store.ImportSnapshot([]byte(input))
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("Expected *ParseError, got %v", err)
			}
			if !reflect.DeepEqual(store.Records(), before) || adapter.Saves() != saves {
				t.Error("Expected collection to be unmodified")
			}
		})
	}
}

func TestFilterEmptySelectionReturnsAll(t *testing.T) {
	store, _ := newTestStore()
	store.AddMany([]models.PartialStreamRecord{partial("a", "Anime"), partial("b"), partial("c", "Movies")})

	all := store.Records()
	if got := store.FilterByCategory(nil); !reflect.DeepEqual(got, all) {
		t.Errorf("Expected nil selection to return all records, got %d", len(got))
	}
	if got := store.FilterByCategory([]string{}); !reflect.DeepEqual(got, all) {
		t.Errorf("Expected empty selection to return all records, got %d", len(got))
	}
}

func TestFilterByCategoryScenario(t *testing.T) {
	store, _ := newTestStore()
	added, err := store.AddMany([]models.PartialStreamRecord{
		partial("https://example.com/1", "Anime"),
		partial("https://example.com/2", "Movies"),
		partial("https://example.com/3", "Anime", "Movies"),
	})
	if err != nil {
		t.Fatalf("AddMany failed: %v", err)
	}

	got := store.FilterByCategory([]string{"Anime"})
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].ID != added[0].ID || got[1].ID != added[2].ID {
		t.Errorf("Expected records 1 and 3 in insertion order, got %s, %s", got[0].URL, got[1].URL)
	}
}

func TestFilterMatchesCategory(t *testing.T) {
	store, _ := newTestStore()
	store.Add(models.PartialStreamRecord{URL: strPtr("live"), Category: catPtr(models.CategoryLive)})
	store.Add(partial("other"))

	got := store.FilterByCategory([]string{"live"})
	if len(got) != 1 || got[0].URL != "live" {
		t.Errorf("Expected only the live record, got %v", got)
	}
}

func TestTags(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("a", "Movies", "Anime"))
	store.Add(models.PartialStreamRecord{URL: strPtr("b"), Category: catPtr(models.CategoryLive)})

	want := []string{"Anime", "Movies", "live", "other"}
	if got := store.Tags(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestExportWritesEmptyTagArrays(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("https://example.com/untagged"))

	data, err := store.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"tags": []`)) || bytes.Contains(data, []byte(`"tags": null`)) {
		t.Errorf("Expected an empty tag array, got %s", data)
	}
	if got := store.Records()[0].Tags; got == nil {
		t.Error("Expected Records to return a non-nil tag slice")
	}
}

func TestImportLegacyExportFormat(t *testing.T) {
	store, _ := newTestStore()
	legacy := []byte(`[
		{"id":"1718000000000","url":"https://netflix.com","title":"Netflix",
		 "description":"Streaming","thumbnail":"https://img/n.png","addedAt":1718000000000},
		{"id":"1718000000001","url":"https://youtube.com","title":"YouTube",
		 "customThumbnail":"https://img/mine.png","addedAt":1718000000001}
	]`)

	n, err := store.ImportSnapshot(legacy)
	if err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 imported records, got %d", n)
	}

	first, ok := store.Get("1718000000000")
	if !ok {
		t.Fatal("Expected the original id to be kept")
	}
	if !first.AddedAt.Equal(time.UnixMilli(1718000000000)) || first.ThumbnailURL != "https://img/n.png" {
		t.Errorf("Unexpected record %+v", first)
	}
	if first.Category != models.CategoryOther || first.Tags == nil {
		t.Errorf("Expected defaults for missing category and tags, got %+v", first)
	}
	if second, _ := store.Get("1718000000001"); second.Thumbnail() != "https://img/mine.png" {
		t.Errorf("Expected the custom thumbnail, got %+v", second)
	}
}

func TestUnsyncedSurvivesRestart(t *testing.T) {
	medium := newMemMedium()
	store := NewRecordStore(persistence.NewBlobAdapter(medium))
	store.Load()
	if store.Unsynced() {
		t.Fatal("Expected a fresh store to be synced")
	}

	store.Add(partial("https://example.com/offline"))
	if !store.Unsynced() {
		t.Fatal("Expected a local change to mark the store unsynced")
	}

	restarted := NewRecordStore(persistence.NewBlobAdapter(medium))
	restarted.Load()
	if !restarted.Unsynced() {
		t.Fatal("Expected the unsynced flag to survive a reload")
	}

	if err := restarted.MarkSynced(restarted.Version() - 1); err != nil || !restarted.Unsynced() {
		t.Errorf("Expected an older version to leave the flag set, got err=%v", err)
	}
	if err := restarted.MarkSynced(restarted.Version()); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if restarted.Unsynced() {
		t.Error("Expected MarkSynced to clear the flag")
	}

	again := NewRecordStore(persistence.NewBlobAdapter(medium))
	again.Load()
	if again.Unsynced() || again.Len() != 1 {
		t.Errorf("Expected a synced reload with 1 record, got unsynced=%v len=%d", again.Unsynced(), again.Len())
	}
}

func TestReplaceClearsUnsynced(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("local"))

	if err := store.Replace([]models.StreamRecord{{ID: "r", URL: "remote"}}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if store.Unsynced() {
		t.Error("Expected remote data to be marked synced")
	}
}

func TestLoadCorruptDegradesToEmpty(t *testing.T) {
	medium := newMemMedium()
	medium.Set(persistence.RecordsKey, []byte(`{"version":1,"records":[{`))

	store := NewRecordStore(persistence.NewBlobAdapter(medium))
	if got := store.Load(); len(got) != 0 {
		t.Errorf("Expected empty collection, got %d records", len(got))
	}

	if _, err := store.Add(partial("https://example.com/a")); err != nil {
		t.Errorf("Expected store to stay usable, got %v", err)
	}
}

func TestLoadRepairsMissingAndDuplicateIDs(t *testing.T) {
	medium := newMemMedium()
	medium.Set(persistence.RecordsKey, []byte(`[
		{"id":"a","url":"one"},
		{"id":"a","url":"two"},
		{"url":"three"}
	]`))

	store := NewRecordStore(persistence.NewBlobAdapter(medium))
	got := store.Load()
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got[0].URL != "one" || got[1].ID == "" || got[1].Title != "three" {
		t.Errorf("Unexpected records %+v", got)
	}
}

func TestReplaceIfVersion(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("local"))
	base := store.Version()

	remote := []models.StreamRecord{{ID: "r1", URL: "remote", Category: models.CategoryMovie}}

	store.Add(partial("racing"))
	if _, applied, err := store.ReplaceIfVersion(remote, base); err != nil || applied {
		t.Fatalf("Expected stale replace to be refused, got %v, %v", applied, err)
	}
	if store.Len() != 2 {
		t.Errorf("Expected local collection kept, got %d", store.Len())
	}

	version, applied, err := store.ReplaceIfVersion(remote, store.Version())
	if err != nil || !applied {
		t.Fatalf("Expected replace to apply, got %v, %v", applied, err)
	}
	if version != store.Version() {
		t.Errorf("Expected returned version %d, got %d", store.Version(), version)
	}
	if got := store.Records(); len(got) != 1 || got[0].Title != "remote" {
		t.Errorf("Expected remote collection, got %+v", got)
	}
}

func TestReplaceRejectsInvalid(t *testing.T) {
	store, _ := newTestStore()
	store.Add(partial("local"))

	err := store.Replace([]models.StreamRecord{{ID: "x", URL: "a"}, {ID: "x", URL: "b"}})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Expected local collection kept, got %d", store.Len())
	}
}

type recordingNotifier struct {
	versions []uint64
	sizes    []int
}

func (n *recordingNotifier) Notify(version uint64, records []models.StreamRecord) {
	n.versions = append(n.versions, version)
	n.sizes = append(n.sizes, len(records))
}

func TestMutationsNotify(t *testing.T) {
	store, _ := newTestStore()
	n := &recordingNotifier{}
	store.SetNotifier(n)

	store.AddMany([]models.PartialStreamRecord{partial("a"), partial("b")})
	rec, _ := store.Add(partial("c"))
	store.Remove(rec.ID)
	store.Replace([]models.StreamRecord{{ID: "r", URL: "r"}})

	if !reflect.DeepEqual(n.sizes, []int{2, 3, 2}) {
		t.Errorf("Expected notifications for 3 local mutations, got sizes %v", n.sizes)
	}
	for i := 1; i < len(n.versions); i++ {
		if n.versions[i] <= n.versions[i-1] {
			t.Errorf("Expected increasing versions, got %v", n.versions)
		}
	}
}

func TestRecordsAreCopies(t *testing.T) {
	store, _ := newTestStore()
	rec, _ := store.Add(partial("a", "Anime"))

	got := store.Records()
	got[0].Tags[0] = "mutated"

	again, _ := store.Get(rec.ID)
	if again.Tags[0] != "Anime" {
		t.Error("Expected store-owned tags to be unaffected by caller mutation")
	}
}
