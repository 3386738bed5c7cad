// Package manifest tracks the remote service's versioned, per-language
// content databases: it downloads and atomically publishes the database file
// when stale and resolves definition hashes against it.
package manifest

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"destigo/internal"
	"destigo/utils"
)

// ManifestHost is the fixed remote host content archives are fetched from
const ManifestHost = "https://www.bungie.net"

// HistoricalStatsDefinition is the one definition keyed by string instead of
// signed integer id.
const HistoricalStatsDefinition = "DestinyHistoricalStatsDefinition"

// supportedLanguages is the fixed enumerated set of content languages
var supportedLanguages = map[string]struct{}{
	"en": {}, "fr": {}, "es": {}, "de": {}, "it": {}, "ja": {}, "pt-br": {},
	"es-mx": {}, "ru": {}, "pl": {}, "zh-cht": {}, "ko": {}, "zh-chs": {},
}

// SupportedLanguage reports whether language is in the enumerated set
func SupportedLanguage(language string) bool {
	_, ok := supportedLanguages[language]
	return ok
}

// MetadataSource supplies the current remote manifest descriptor. The
// canonical implementation is the client's DestinyManifest endpoint call,
// which rides the request executor.
type MetadataSource interface {
	DestinyManifest(ctx context.Context) (json.RawMessage, error)
}

// MetadataFunc adapts a function to the MetadataSource interface
type MetadataFunc func(ctx context.Context) (json.RawMessage, error)

// DestinyManifest implements MetadataSource
func (f MetadataFunc) DestinyManifest(ctx context.Context) (json.RawMessage, error) {
	return f(ctx)
}

// metadataDocument is the subset of the manifest descriptor the store reads
type metadataDocument struct {
	ErrorCode int `json:"ErrorCode"`
	Response  struct {
		MobileWorldContentPaths map[string]string `json:"mobileWorldContentPaths"`
	} `json:"Response"`
}

// Store tracks one content database per language on the local file system.
//
// The index maps a language to the path of its current database; an absent
// entry means "never downloaded". Updates for the same language are
// single-flighted, so concurrent callers share one download instead of
// racing it.
type Store struct {
	dir     string
	host    string
	source  MetadataSource
	client  *http.Client
	fileOps *utils.FileOperations
	log     *internal.SecureLogger
	quiet   bool

	mu    sync.RWMutex
	index map[string]string

	flight singleflight.Group
}

// NewStore creates a Store keeping databases under dir. A nil client falls
// back to http.DefaultClient and a nil logger to the global one.
func NewStore(dir string, source MetadataSource, client *http.Client, logger *internal.SecureLogger) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = internal.GetLogger()
	}
	return &Store{
		dir:     dir,
		host:    ManifestHost,
		source:  source,
		client:  client,
		fileOps: utils.NewFileOperations(),
		log:     logger,
		index:   make(map[string]string),
	}
}

// SetHost overrides the archive host, for mirrors and tests
func (s *Store) SetHost(host string) {
	s.host = host
}

// SetQuiet suppresses the download progress display
func (s *Store) SetQuiet(quiet bool) {
	s.quiet = quiet
}

// ContentPath returns the current database path for language, or empty when
// it was never downloaded.
func (s *Store) ContentPath(language string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index[language]
}

// UpdateManifest makes language's content database current: it asks the
// metadata source for the remote descriptor and, unless a file by the
// derived name already exists locally, downloads, extracts and atomically
// publishes the database. Concurrent calls for the same language share a
// single update.
func (s *Store) UpdateManifest(ctx context.Context, language string) error {
	if !SupportedLanguage(language) {
		return internal.NewUnsupportedLanguageError(language)
	}

	_, err, _ := s.flight.Do(language, func() (interface{}, error) {
		return nil, s.update(ctx, language)
	})
	return err
}

func (s *Store) update(ctx context.Context, language string) error {
	raw, err := s.source.DestinyManifest(ctx)
	if err != nil {
		return err
	}

	var doc metadataDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return internal.NewUpstreamUnavailableError(0, "malformed manifest metadata").WithCause(err)
	}
	if doc.ErrorCode != 1 {
		return internal.NewUpstreamUnavailableError(0,
			fmt.Sprintf("could not retrieve manifest (ErrorCode %d)", doc.ErrorCode))
	}

	contentPath, ok := doc.Response.MobileWorldContentPaths[language]
	if !ok || contentPath == "" {
		return internal.NewUpstreamUnavailableError(0,
			fmt.Sprintf("manifest metadata has no content path for language %s", language))
	}

	archiveURL := s.host + contentPath
	fileName := path.Base(contentPath)
	localPath := filepath.Join(s.dir, fileName)

	if s.fileOps.FileExists(localPath) {
		// Cache by filename: the remote embeds the content version in the
		// name, so an existing file is treated as already current.
		size, _ := s.fileOps.GetFileSize(localPath)
		s.log.Debug("Manifest %s already current: %s (%d bytes)", language, fileName, size)
	} else {
		if err := s.fetchAndPublish(ctx, archiveURL, localPath); err != nil {
			return err
		}
		s.log.Info("Manifest for %s updated: %s", language, fileName)
	}

	s.mu.Lock()
	s.index[language] = localPath
	s.mu.Unlock()
	return nil
}

// fetchAndPublish downloads the archive, extracts the single content
// database and publishes it under localPath. The database only appears
// under its final name after extraction completed, so a concurrent reader
// never observes a partial file.
func (s *Store) fetchAndPublish(ctx context.Context, archiveURL, localPath string) error {
	if err := s.fileOps.EnsureParentDir(localPath); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	archivePath := localPath + ".zip"
	if err := s.downloadFile(ctx, archiveURL, archivePath); err != nil {
		return err
	}
	defer s.fileOps.RemoveIfExists(archivePath)

	return s.extractContent(archivePath, localPath)
}

// downloadFile streams url to dest in chunks
func (s *Store) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return internal.NewUpstreamUnavailableError(0, "failed to create download request").WithCause(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return internal.NewUpstreamUnavailableError(0, "manifest download failed").
			WithCause(err).WithURL(url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return internal.NewUpstreamUnavailableError(resp.StatusCode, resp.Status).WithURL(url)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	tracker := utils.NewProgressTracker(resp.ContentLength, s.quiet)
	reader := tracker.NewProxyReader(resp.Body)

	_, copyErr := io.CopyBuffer(out, reader, make([]byte, 32*1024))
	closeErr := out.Close()
	tracker.Finish()
	s.log.Debug("Downloaded %d bytes in %.2fs from %s",
		tracker.Current(), tracker.Elapsed().Seconds(), url)

	if copyErr != nil {
		s.fileOps.RemoveIfExists(dest)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return internal.NewUpstreamUnavailableError(0, "manifest download interrupted").
			WithCause(copyErr).WithURL(url)
	}
	if closeErr != nil {
		s.fileOps.RemoveIfExists(dest)
		return fmt.Errorf("failed to finalize archive file: %w", closeErr)
	}

	return nil
}

// extractContent extracts the single content-database entry from the
// downloaded archive and atomically renames it into place.
func (s *Store) extractContent(archivePath, finalPath string) error {
	archive, err := zip.OpenReader(archivePath)
	if err != nil {
		return internal.NewUpstreamUnavailableError(0, "downloaded archive is not a valid zip").WithCause(err)
	}
	defer archive.Close()

	var entry *zip.File
	for _, file := range archive.File {
		if file.FileInfo().IsDir() {
			continue
		}
		entry = file
		break
	}
	if entry == nil {
		return internal.NewUpstreamUnavailableError(0, "archive contains no content database")
	}

	src, err := entry.Open()
	if err != nil {
		return internal.NewUpstreamUnavailableError(0, "failed to read archive entry").WithCause(err)
	}
	defer src.Close()

	tempPath := finalPath + ".part"
	out, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create content file: %w", err)
	}

	_, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		s.fileOps.RemoveIfExists(tempPath)
		if copyErr == nil {
			copyErr = closeErr
		}
		return fmt.Errorf("failed to extract content database: %w", copyErr)
	}

	if err := s.fileOps.AtomicRename(tempPath, finalPath); err != nil {
		s.fileOps.RemoveIfExists(tempPath)
		return fmt.Errorf("failed to publish content database: %w", err)
	}

	return nil
}

// DecodeHash resolves hashID against the definition table in language's
// content database and returns the stored JSON document. A missing database
// is fetched first; definition names are matched against table names
// exactly.
func (s *Store) DecodeHash(ctx context.Context, hashID uint32, definition, language string) (json.RawMessage, error) {
	if !SupportedLanguage(language) {
		return nil, internal.NewUnsupportedLanguageError(language)
	}

	if s.ContentPath(language) == "" {
		if err := s.UpdateManifest(ctx, language); err != nil {
			return nil, err
		}
	}

	dbPath := s.ContentPath(language)

	var identifier string
	var key interface{}
	if definition == HistoricalStatsDefinition {
		// Historical-stats rows are keyed by the decimal string form of the
		// hash, not its signed integer value.
		identifier = "key"
		key = strconv.FormatUint(uint64(hashID), 10)
	} else {
		identifier = "id"
		key = SignedHash(hashID)
	}

	db, err := openContent(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return db.queryJSON(ctx, definition, identifier, key)
}
