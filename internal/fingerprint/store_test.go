package fingerprint

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/datastore"
)

func newTestStore(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{
		Database: conf.DatabaseSettings{URL: ":memory:"},
	}
	ds := datastore.New(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func createTrack(t *testing.T, ds datastore.Interface, title string) *datastore.Track {
	t.Helper()
	artist := &datastore.Artist{Name: "Artist for " + title}
	require.NoError(t, ds.CreateArtist(artist))
	track := &datastore.Track{Title: title, ArtistID: artist.ID}
	require.NoError(t, ds.CreateTrack(track))
	return track
}

func TestHashSimilarity(t *testing.T) {
	same := strings.Repeat("ab", 16)
	assert.Equal(t, 1.0, HashSimilarity(same, same))

	zero := strings.Repeat("00", 16)
	ones := strings.Repeat("ff", 16)
	assert.Equal(t, 0.0, HashSimilarity(zero, ones))

	// one differing bit out of 128
	oneBit := "01" + strings.Repeat("00", 15)
	assert.InDelta(t, 127.0/128.0, HashSimilarity(zero, oneBit), 1e-9)

	assert.Zero(t, HashSimilarity(zero, "00"), "length mismatch")
	assert.Zero(t, HashSimilarity("", ""))
	assert.Zero(t, HashSimilarity("zz", "zz"), "non-hex input")
}

func TestAttachIdempotentAndPrimarySync(t *testing.T) {
	ds := newTestStore(t)
	store := NewStore(ds, nil)
	track := createTrack(t, ds, "Title")

	hash := strings.Repeat("ab", 16)
	require.NoError(t, store.Attach(track.ID, hash, []byte("raw"), 0, "md5"))
	require.NoError(t, store.Attach(track.ID, hash, []byte("raw"), 0, "md5"))

	count, err := ds.CountFingerprints(track.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// the first attached fingerprint becomes the track's primary
	got, err := ds.GetTrack(track.ID)
	require.NoError(t, err)
	assert.Equal(t, hash, got.FingerprintHash)
}

func TestFindByHashMiss(t *testing.T) {
	ds := newTestStore(t)
	store := NewStore(ds, nil)

	fp, err := store.FindByHash(strings.Repeat("00", 16))
	require.NoError(t, err)
	assert.Nil(t, fp)

	fp, err = store.FindByHash("")
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestApproximateMatch(t *testing.T) {
	ds := newTestStore(t)
	store := NewStore(ds, nil)

	near := createTrack(t, ds, "Near")
	far := createTrack(t, ds, "Far")

	zero := strings.Repeat("00", 16)
	// 8 differing bits out of 128: similarity 0.9375
	nearHash := "ff" + strings.Repeat("00", 15)
	require.NoError(t, store.Attach(near.ID, nearHash, nil, 0, "md5"))
	require.NoError(t, store.Attach(far.ID, strings.Repeat("ff", 16), nil, 0, "md5"))

	track, sim, err := store.ApproximateMatch(zero, "md5", DefaultApproximateThreshold)
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, near.ID, track.ID)
	assert.InDelta(t, 0.9375, sim, 1e-9)
}

func TestApproximateMatchBelowThreshold(t *testing.T) {
	ds := newTestStore(t)
	store := NewStore(ds, nil)
	track := createTrack(t, ds, "Far")
	require.NoError(t, store.Attach(track.ID, strings.Repeat("ff", 16), nil, 0, "md5"))

	got, sim, err := store.ApproximateMatch(strings.Repeat("00", 16), "md5", DefaultApproximateThreshold)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, sim)
}

func TestApproximateMatchSkipsOtherLengths(t *testing.T) {
	ds := newTestStore(t)
	store := NewStore(ds, nil)
	track := createTrack(t, ds, "Short hash")
	require.NoError(t, store.Attach(track.ID, "0000", nil, 0, "md5"))

	got, _, err := store.ApproximateMatch(strings.Repeat("00", 16), "md5", 0.5)
	require.NoError(t, err)
	assert.Nil(t, got)
}
