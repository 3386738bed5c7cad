package manifest

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"destigo/internal"
)

const fixtureContentName = "world_sql_content_abc123.content"

// buildContentDB creates a fixture content database and returns its bytes
func buildContentDB(t *testing.T) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.content")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE DestinyInventoryItemDefinition (id INTEGER PRIMARY KEY, json BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO DestinyInventoryItemDefinition (id, json) VALUES (?, ?)`,
		int32(1234567890), `{"displayProperties":{"name":"Ascendancy"}}`)
	require.NoError(t, err)
	// 3847204958 >= 2^31, stored as its negative reinterpretation.
	_, err = db.Exec(`INSERT INTO DestinyInventoryItemDefinition (id, json) VALUES (?, ?)`,
		int32(-447762338), `{"displayProperties":{"name":"Gjallarhorn"}}`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE DestinyHistoricalStatsDefinition (key TEXT PRIMARY KEY, json BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO DestinyHistoricalStatsDefinition (key, json) VALUES (?, ?)`,
		`7`, `{"statName":"Kills"}`)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

// makeZip wraps payload in a single-entry zip archive
func makeZip(t *testing.T, entryName string, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	entry, err := w.Create(entryName)
	require.NoError(t, err)
	_, err = entry.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fixtureEnv is a store wired against an archive server and canned metadata
type fixtureEnv struct {
	store     *Store
	dir       string
	downloads *int32
	metadata  *int32
}

func newFixtureEnv(t *testing.T, dbBytes []byte) *fixtureEnv {
	t.Helper()

	contentPath := "/common/destiny2_content/sqlite/en/" + fixtureContentName
	zipBytes := makeZip(t, fixtureContentName, dbBytes)

	var downloads, metadata int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != contentPath {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&downloads, 1)
		w.Write(zipBytes)
	}))
	t.Cleanup(server.Close)

	source := MetadataFunc(func(ctx context.Context) (json.RawMessage, error) {
		atomic.AddInt32(&metadata, 1)
		doc := fmt.Sprintf(`{"ErrorCode":1,"Response":{"mobileWorldContentPaths":{"en":%q,"fr":%q}}}`,
			contentPath, contentPath)
		return json.RawMessage(doc), nil
	})

	dir := t.TempDir()
	store := NewStore(dir, source, server.Client(), internal.NewDefaultLogger(false, true))
	store.SetHost(server.URL)
	store.SetQuiet(true)

	return &fixtureEnv{store: store, dir: dir, downloads: &downloads, metadata: &metadata}
}

func TestUpdateManifestUnsupportedLanguage(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	err := env.store.UpdateManifest(context.Background(), "klingon")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUnsupportedLanguage))
	assert.Equal(t, int32(0), atomic.LoadInt32(env.metadata))
}

func TestUpdateManifestDownloadsAndPublishes(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	require.NoError(t, env.store.UpdateManifest(context.Background(), "en"))

	contentFile := filepath.Join(env.dir, fixtureContentName)
	assert.Equal(t, contentFile, env.store.ContentPath("en"))
	assert.FileExists(t, contentFile)
	// The temporary archive is removed after extraction.
	assert.NoFileExists(t, contentFile+".zip")
	assert.NoFileExists(t, contentFile+".part")
	assert.Equal(t, int32(1), atomic.LoadInt32(env.downloads))
}

func TestUpdateManifestIsIdempotentByFilename(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	require.NoError(t, env.store.UpdateManifest(context.Background(), "en"))
	require.NoError(t, env.store.UpdateManifest(context.Background(), "en"))

	assert.Equal(t, int32(1), atomic.LoadInt32(env.downloads))
	assert.Equal(t, int32(2), atomic.LoadInt32(env.metadata))
}

func TestUpdateManifestConcurrentCallsShareOneDownload(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.store.UpdateManifest(context.Background(), "en")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(env.downloads))
}

func TestUpdateManifestMetadataFailure(t *testing.T) {
	store := NewStore(t.TempDir(), MetadataFunc(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ErrorCode":5,"Response":{}}`), nil
	}), nil, internal.NewDefaultLogger(false, true))

	err := store.UpdateManifest(context.Background(), "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUpstreamUnavailable))
}

func TestUpdateManifestMissingLanguagePath(t *testing.T) {
	store := NewStore(t.TempDir(), MetadataFunc(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ErrorCode":1,"Response":{"mobileWorldContentPaths":{"fr":"/some/path.content"}}}`), nil
	}), nil, internal.NewDefaultLogger(false, true))

	err := store.UpdateManifest(context.Background(), "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUpstreamUnavailable))
}

func TestUpdateManifestEmptyArchive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, zip.NewWriter(&buf).Close())
	emptyZip := buf.Bytes()

	contentPath := "/common/destiny2_content/sqlite/en/" + fixtureContentName
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(emptyZip)
	}))
	defer server.Close()

	dir := t.TempDir()
	store := NewStore(dir, MetadataFunc(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"ErrorCode":1,"Response":{"mobileWorldContentPaths":{"en":%q}}}`, contentPath)), nil
	}), server.Client(), internal.NewDefaultLogger(false, true))
	store.SetHost(server.URL)
	store.SetQuiet(true)

	err := store.UpdateManifest(context.Background(), "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUpstreamUnavailable))
	// Nothing was published.
	assert.NoFileExists(t, filepath.Join(dir, fixtureContentName))
	assert.Empty(t, store.ContentPath("en"))
}

func TestUpdateManifestDownloadHTTPError(t *testing.T) {
	contentPath := "/common/destiny2_content/sqlite/en/" + fixtureContentName
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	store := NewStore(t.TempDir(), MetadataFunc(func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"ErrorCode":1,"Response":{"mobileWorldContentPaths":{"en":%q}}}`, contentPath)), nil
	}), server.Client(), internal.NewDefaultLogger(false, true))
	store.SetHost(server.URL)
	store.SetQuiet(true)

	err := store.UpdateManifest(context.Background(), "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUpstreamUnavailable))
}

func TestDecodeHashUnsupportedLanguageNoSideEffects(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	_, err := env.store.DecodeHash(context.Background(), 1234567890, "DestinyInventoryItemDefinition", "klingon")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrUnsupportedLanguage))
	// No metadata call, no download, no file access.
	assert.Equal(t, int32(0), atomic.LoadInt32(env.metadata))
	assert.Equal(t, int32(0), atomic.LoadInt32(env.downloads))
}

func TestDecodeHashAutoFetchesMissingManifest(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	doc, err := env.store.DecodeHash(context.Background(), 1234567890, "DestinyInventoryItemDefinition", "en")
	require.NoError(t, err)

	var parsed struct {
		DisplayProperties struct {
			Name string `json:"name"`
		} `json:"displayProperties"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))
	assert.Equal(t, "Ascendancy", parsed.DisplayProperties.Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(env.downloads))

	// Subsequent decodes reuse the downloaded database.
	_, err = env.store.DecodeHash(context.Background(), 1234567890, "DestinyInventoryItemDefinition", "en")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(env.downloads))
}

func TestDecodeHashAppliesSignConversion(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	// 3847204958 wraps to -447762338 in the database.
	doc, err := env.store.DecodeHash(context.Background(), 3847204958, "DestinyInventoryItemDefinition", "en")
	require.NoError(t, err)
	assert.Contains(t, string(doc), "Gjallarhorn")
}

func TestDecodeHashEntryNotFound(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	_, err := env.store.DecodeHash(context.Background(), 42, "DestinyInventoryItemDefinition", "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrEntryNotFound))
}

func TestDecodeHashInvalidDefinition(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	_, err := env.store.DecodeHash(context.Background(), 1234567890, "DestinyNoSuchDefinition", "en")
	require.Error(t, err)
	assert.True(t, internal.IsKind(err, internal.ErrInvalidDefinition))
}

func TestDecodeHashHistoricalStatsUsesStringKey(t *testing.T) {
	env := newFixtureEnv(t, buildContentDB(t))

	doc, err := env.store.DecodeHash(context.Background(), 7, HistoricalStatsDefinition, "en")
	require.NoError(t, err)
	assert.Contains(t, string(doc), "Kills")
}

func TestSupportedLanguage(t *testing.T) {
	for _, lang := range []string{"en", "fr", "es", "de", "it", "ja", "pt-br", "es-mx", "ru", "pl", "zh-cht", "ko", "zh-chs"} {
		assert.True(t, SupportedLanguage(lang), lang)
	}
	assert.False(t, SupportedLanguage("en-US"))
	assert.False(t, SupportedLanguage(""))
}
