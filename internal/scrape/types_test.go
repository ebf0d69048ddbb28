package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTitlesPreferred(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		titles Titles
		want   string
	}{
		{"english first", Titles{English: "Frieren", Romaji: "Sousou no Frieren"}, "Frieren"},
		{"romaji fallback", Titles{English: "  ", Romaji: "Sousou no Frieren"}, "Sousou no Frieren"},
		{"synonym fallback", Titles{Synonyms: []string{"", "Frieren: Beyond Journey's End"}}, "Frieren: Beyond Journey's End"},
		{"native last", Titles{Native: "葬送のフリーレン"}, "葬送のフリーレン"},
		{"empty", Titles{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.titles.Preferred())
		})
	}
}

func TestValidateEmbedRecord(t *testing.T) {
	t.Parallel()

	record := EmbedRecord{
		ExternalID:    100,
		EpisodeNumber: 1,
		AudioTrack:    TrackOriginal,
		Servers: []EmbedServer{
			{ServerName: "vidstreaming", ServerID: "42", EmbedLink: "https://embed.example/e/42"},
		},
	}
	require.NoError(t, Validate(record))

	record.Servers = nil
	require.Error(t, Validate(record))

	record.Servers = []EmbedServer{{ServerName: "x", ServerID: "1", EmbedLink: "not a url"}}
	require.Error(t, Validate(record))
}

func TestValidateScrapeJob(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(ScrapeJob{ExternalID: 1, Title: "A"}))
	require.Error(t, Validate(ScrapeJob{ExternalID: 0}))
	require.Equal(t, "anime-100", ScrapeJob{ExternalID: 100}.Key())
}

func TestTaskStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, TaskCompleted.Terminal())
	require.True(t, TaskFailed.Terminal())
	require.False(t, TaskInProgress.Terminal())
	require.False(t, TaskPending.Terminal())
}

func TestCriteriaMatches(t *testing.T) {
	t.Parallel()
	c := Criteria{MinPopularity: 100, MinScore: 50}
	require.True(t, c.Matches(CatalogEntry{Status: StatusReleasing}))
	require.True(t, c.Matches(CatalogEntry{Status: StatusFinished, Popularity: 101}))
	require.True(t, c.Matches(CatalogEntry{Status: StatusFinished, AverageScore: 51}))
	require.False(t, c.Matches(CatalogEntry{Status: StatusFinished, Popularity: 100, AverageScore: 50}))
	require.False(t, c.Matches(CatalogEntry{Status: StatusFinished, Popularity: 12, AverageScore: 40}))
}
