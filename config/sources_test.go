package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalSources = `
entity:
  type: contract
  key_fields: [agency, contract_number]
  tracked_fields: [title, value]
sources:
  - id: sam
    kind: api
    key: {agency: agency, contract_number: number}
    fields: {title: title}
    api:
      url: https://api.example.gov/search
      items_path: results
      page_param: page
  - id: news
    kind: rendered
    key: {agency: ".agency", contract_number: ".number"}
    rendered:
      url: "https://news.example.gov/awards?p={page}"
      item_selector: article
`

func TestParseSourcesAppliesDefaults(t *testing.T) {
	sf, err := ParseSources([]byte(minimalSources))
	require.NoError(t, err)
	require.Len(t, sf.Sources, 2)

	sam := sf.Source("sam")
	require.NotNil(t, sam)
	assert.Equal(t, 1, sam.ConfirmEmptyPages)
	assert.Equal(t, 25, sam.ErrorThreshold)
	assert.Equal(t, 30*time.Second, sam.Timeout)
	assert.Equal(t, 3, sam.Retry.MaxAttempts)
	assert.Equal(t, "page", sam.API.Pagination)
	assert.Equal(t, "2006-01-02", sam.API.DateFormat)

	news := sf.Source("news")
	require.NotNil(t, news)
	assert.Equal(t, 1, news.Rendered.FirstPage)
	assert.Equal(t, 10*time.Second, news.Rendered.SettleTimeout)

	assert.Nil(t, sf.Source("missing"))
}

func TestParseSourcesDecodesDurations(t *testing.T) {
	doc := minimalSources + `
  - id: fpds
    kind: api
    timeout: 45s
    rate: {requests: 10, interval: 2m, min_delay: 500ms, cooldown: 15m}
    retry: {max_attempts: 7, base_delay: 2s, max_delay: 1m}
    key: {agency: a, contract_number: n}
    api: {url: "https://fpds.example/awards", items_path: data, page_param: page}
`
	sf, err := ParseSources([]byte(doc))
	require.NoError(t, err)

	fpds := sf.Source("fpds")
	assert.Equal(t, 45*time.Second, fpds.Timeout)
	assert.Equal(t, 2*time.Minute, fpds.Rate.Interval)
	assert.Equal(t, 500*time.Millisecond, fpds.Rate.MinDelay)
	assert.Equal(t, 15*time.Minute, fpds.Rate.Cooldown)
	assert.Equal(t, 7, fpds.Retry.MaxAttempts)
}

func TestParseSourcesRejects(t *testing.T) {
	cases := map[string]string{
		"api block missing": `
entity: {type: contract, key_fields: [id], tracked_fields: [title]}
sources:
  - id: sam
    kind: api
    key: {id: noticeId}
`,
		"unknown kind": `
entity: {type: contract, key_fields: [id], tracked_fields: [title]}
sources:
  - id: sam
    kind: ftp
    key: {id: noticeId}
`,
		"missing key field": `
entity: {type: contract, key_fields: [agency, number], tracked_fields: [title]}
sources:
  - id: sam
    kind: api
    key: {agency: a}
    api: {url: "https://x.example", items_path: r, page_param: p}
`,
		"duplicate id": `
entity: {type: contract, key_fields: [id], tracked_fields: [title]}
sources:
  - id: sam
    kind: api
    key: {id: a}
    api: {url: "https://x.example", items_path: r, page_param: p}
  - id: sam
    kind: api
    key: {id: a}
    api: {url: "https://x.example", items_path: r, page_param: p}
`,
		"too many attempts": `
entity: {type: contract, key_fields: [id], tracked_fields: [title]}
sources:
  - id: sam
    kind: api
    retry: {max_attempts: 50}
    key: {id: a}
    api: {url: "https://x.example", items_path: r, page_param: p}
`,
		"no sources": `
entity: {type: contract, key_fields: [id], tracked_fields: [title]}
sources: []
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSources([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSourcesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalSources), 0o600))

	sf, err := LoadSources(path)
	require.NoError(t, err)
	assert.Equal(t, "contract", sf.Entity.Type)

	_, err = LoadSources(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("MAX_LOG_LINES", "42")
	t.Setenv("SYNC_BUDGET", "90s")
	t.Setenv("WRITE_TIMEOUT", "not-a-duration")

	cfg := Load()
	assert.Equal(t, "db.internal", cfg.PostgresHost)
	assert.Equal(t, 42, cfg.MaxLogLines)
	assert.Equal(t, 90*time.Second, cfg.SyncBudget)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Contains(t, cfg.DSN(), "host=db.internal")
}
