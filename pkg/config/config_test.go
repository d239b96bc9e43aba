package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeeds(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []FeedSource
		wantErr string
	}{
		{name: "empty", raw: "", want: nil},
		{
			name: "sorted by name",
			raw:  "zoro=https://zoro.gr/feed.xml;beq=https://beq.gr/feed.xml",
			want: []FeedSource{{"beq", "https://beq.gr/feed.xml"}, {"zoro", "https://zoro.gr/feed.xml"}},
		},
		{
			name: "whitespace and empty entries",
			raw:  " ekos = https://ekos.gr/feed.xml ;; ",
			want: []FeedSource{{"ekos", "https://ekos.gr/feed.xml"}},
		},
		{
			name: "url keeps its query",
			raw:  "ekos=https://ekos.gr/feed.xml?format=skroutz",
			want: []FeedSource{{"ekos", "https://ekos.gr/feed.xml?format=skroutz"}},
		},
		{name: "missing separator", raw: "ekos", wantErr: "want name=url"},
		{name: "empty name", raw: "=https://ekos.gr/feed.xml", wantErr: "want name=url"},
		{name: "empty url", raw: "ekos= ", wantErr: "want name=url"},
		{name: "duplicate shop", raw: "ekos=https://a;ekos=https://b", wantErr: "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeeds(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultFeedsParse(t *testing.T) {
	feeds, err := ParseFeeds(defaultFeeds)
	require.NoError(t, err)
	require.Len(t, feeds, 4)
	assert.Equal(t, "1-3gr", feeds[0].Name)
}

func testViper(overrides map[string]interface{}) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range overrides {
		v.Set(k, val)
	}
	return v
}

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(testViper(nil))
	require.NoError(t, err)

	assert.Equal(t, MissingTombstone, cfg.Ingest.MissingItemPolicy)
	assert.Equal(t, 4, cfg.Ingest.MaxConcurrentRuns)
	assert.Equal(t, 2*time.Hour, cfg.Ingest.LeaseTTL)
	assert.Equal(t, 300*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, "EUR", cfg.Fetch.DefaultCurrency)
	assert.Equal(t, 20, cfg.Search.DefaultPageSize)
	assert.Equal(t, 100, cfg.Search.MaxPageSize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Len(t, cfg.Feeds, 4)
}

func TestFromViperNormalizesCase(t *testing.T) {
	cfg, err := FromViper(testViper(map[string]interface{}{
		"MISSING_ITEM_POLICY":   "Delete",
		"FEED_DEFAULT_CURRENCY": "usd",
		"KAFKA_BROKERS":         "k1:9092, k2:9092,",
	}))
	require.NoError(t, err)
	assert.Equal(t, MissingDelete, cfg.Ingest.MissingItemPolicy)
	assert.Equal(t, "USD", cfg.Fetch.DefaultCurrency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestFromViperRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
		wantErr   string
	}{
		{"unknown policy", map[string]interface{}{"MISSING_ITEM_POLICY": "archive"}, "MISSING_ITEM_POLICY"},
		{"no concurrent runs", map[string]interface{}{"INGEST_MAX_CONCURRENT_RUNS": 0}, "INGEST_MAX_CONCURRENT_RUNS"},
		{"no max page size", map[string]interface{}{"SEARCH_MAX_PAGE_SIZE": 0}, "SEARCH_MAX_PAGE_SIZE"},
		{"default above max", map[string]interface{}{"SEARCH_DEFAULT_PAGE_SIZE": 101}, "SEARCH_DEFAULT_PAGE_SIZE"},
		{"zero default", map[string]interface{}{"SEARCH_DEFAULT_PAGE_SIZE": 0}, "SEARCH_DEFAULT_PAGE_SIZE"},
		{"bad feeds", map[string]interface{}{"FEEDS": "ekos"}, "FEEDS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromViper(testViper(tt.overrides))
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
