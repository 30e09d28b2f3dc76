package source

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/notam-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/notam-pipeline/internal/notice"
	"github.com/JakeFAU/notam-pipeline/internal/storage"
	"github.com/JakeFAU/notam-pipeline/internal/storage/memory"
)

const manifestCSV = `Designator,URL
KSFO,https://feeds.example.com/KSFO
KLAX,https://feeds.example.com/KLAX
KSEA,
,
`

const manualCSV = `airport_code,notam_number,message
klax,M1/25,LAX TWY C CLSD
KSEA,M2/25,SEA RWY 16L ILS U/S
KSEA,,missing number
`

func files(m map[string]string) func(string) (io.ReadCloser, error) {
	return func(path string) (io.ReadCloser, error) {
		body, ok := m[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func testFetcher(transport http.RoundTripper) *collyfetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{
		Transport:   transport,
		Attempts:    2,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, collyfetcher.WithJitter(func(time.Duration) time.Duration { return 0 }))
}

func TestReadManifest(t *testing.T) {
	t.Parallel()

	entries, err := ReadManifest(strings.NewReader(manifestCSV), nil)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Designator: "KSFO", URL: "https://feeds.example.com/KSFO"},
		{Designator: "KLAX", URL: "https://feeds.example.com/KLAX"},
		{Designator: "KSEA"},
	}, entries)
	assert.Equal(t, []string{"KSFO", "KLAX", "KSEA"}, Designators(entries))

	_, err = ReadManifest(strings.NewReader("Code,Link\nKSFO,x\n"), nil)
	require.Error(t, err)

	empty, err := ReadManifest(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadManual(t *testing.T) {
	t.Parallel()

	manual, err := ReadManual(strings.NewReader(manualCSV))
	require.NoError(t, err)
	require.Len(t, manual["KLAX"], 1)
	require.Len(t, manual["KSEA"], 1)
	assert.Equal(t, notice.Raw{SourceID: "KLAX", Number: "M1/25", Text: "LAX TWY C CLSD", Origin: notice.OriginManual}, manual["KLAX"][0])
}

func TestParseFeed(t *testing.T) {
	t.Parallel()

	items, err := ParseFeed("KSFO", []byte(`{"notams":[
		{"icaoMessage":" SFO RWY 10L CLSD ","notamNumber":"A1/25","issueDate":"2025-06-01T00:00:00Z"},
		{"icaoMessage":"numeric id","notamNumber":4512},
		{"icaoMessage":"","notamNumber":"A3/25"},
		{"icaoMessage":"no number"}
	]}`))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "SFO RWY 10L CLSD", items[0].Text)
	assert.Equal(t, "2025-06-01T00:00:00Z", items[0].IssuedAt)
	assert.Equal(t, "4512", items[1].Number)
	assert.Equal(t, notice.OriginFeed, items[1].Origin)

	_, err = ParseFeed("KSFO", []byte("<html>"))
	require.Error(t, err)
}

func TestLoadFetchesArchivesAndFallsBack(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://feeds.example.com/KSFO",
		httpmock.NewStringResponder(http.StatusOK, `{"notams":[{"icaoMessage":"SFO RWY 10L CLSD","notamNumber":"A1/25"}]}`))
	transport.RegisterResponder(http.MethodGet, "https://feeds.example.com/KLAX",
		httpmock.NewStringResponder(http.StatusInternalServerError, "down"))

	blobs := memory.NewBlobStore()
	a := New(Config{ManifestPath: "manifest.csv", ManualPath: "manual.csv", Concurrency: 2},
		testFetcher(transport),
		WithOpener(files(map[string]string{"manifest.csv": manifestCSV, "manual.csv": manualCSV})),
		WithArchiver(storage.NewArchiver(blobs, "raw", nil)),
	)

	items, err := a.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "A1/25", items[0].Number)
	assert.Equal(t, notice.OriginFeed, items[0].Origin)
	assert.Equal(t, "M1/25", items[1].Number, "KLAX feed failed so the manual notice is used")
	assert.Equal(t, "M2/25", items[2].Number, "KSEA has no feed url")

	paths := blobs.Paths()
	require.Len(t, paths, 2)
	assert.True(t, strings.HasPrefix(paths[0], "raw/feed/"))
	assert.True(t, strings.HasPrefix(paths[1], "raw/manual/"))
	assert.Equal(t, 3, transport.GetTotalCallCount(), "KSFO once, KLAX twice")
}

func TestLoadWithoutManualFile(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "https://feeds.example.com/KSFO",
		httpmock.NewStringResponder(http.StatusOK, `{"notams":[]}`))
	transport.RegisterResponder(http.MethodGet, "https://feeds.example.com/KLAX",
		httpmock.NewStringResponder(http.StatusOK, `{"notams":[]}`))

	a := New(Config{ManifestPath: "manifest.csv", ManualPath: "absent.csv"},
		testFetcher(transport),
		WithOpener(files(map[string]string{"manifest.csv": manifestCSV})),
	)
	items, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLoadMissingManifest(t *testing.T) {
	t.Parallel()

	a := New(Config{ManifestPath: "nope.csv"}, testFetcher(httpmock.NewMockTransport()), WithOpener(files(nil)))
	_, err := a.Load(context.Background())
	require.ErrorIs(t, err, os.ErrNotExist)
}
