package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptv-gateway/work/catalog"
	"iptv-gateway/work/xmltv"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleCatalog(builtAt time.Time) *catalog.Catalog {
	return &catalog.Catalog{
		BuiltAt: builtAt,
		Channels: map[string]*catalog.Channel{
			"ref1": {
				Reference:   "ref1",
				Name:        "BBC One",
				Logo:        "icon/sig/enc/bbc1.png",
				LogoOrigin:  "http://logo/bbc1.png",
				EpgID:       "remapped1",
				CatchupDays: 7,
				Groups:      []string{"UK", "News"},
				URL:         "http://up/bbc1.m3u8",
				Provider:    "prov",
			},
			"ref2": {
				Reference: "ref2",
				Name:      "ITV",
				URL:       "http://up/itv.m3u8",
				Provider:  "prov",
			},
		},
		Guide: &catalog.Guide{
			Channels: []*xmltv.Channel{{
				ID:           "remapped1",
				DisplayNames: []string{"BBC One"},
				Icons:        []xmltv.Icon{{Src: "http://logo/bbc1.png"}},
			}},
			Programmes: []*xmltv.Programme{{
				Channel: "remapped1",
				Start:   "20260829180000 +0000",
				Stop:    "20260829190000 +0000",
				Inner:   "<title>News</title>",
			}},
		},
	}
}

func TestSaveAndLoadCatalog(t *testing.T) {
	db := openTestDB(t)

	saved := sampleCatalog(time.Now())
	require.NoError(t, db.SaveCatalog(saved))

	loaded, err := db.LoadCatalog()
	require.NoError(t, err)
	require.Len(t, loaded.Channels, 2)

	bbc := loaded.Channels["ref1"]
	require.NotNil(t, bbc)
	require.Equal(t, "BBC One", bbc.Name)
	require.Equal(t, []string{"UK", "News"}, bbc.Groups)
	require.Equal(t, 7, bbc.CatchupDays)
	require.Equal(t, "remapped1", bbc.EpgID)

	require.Len(t, loaded.Guide.Channels, 1)
	require.Equal(t, "http://logo/bbc1.png", loaded.Guide.Channels[0].Icon())
	require.Len(t, loaded.Guide.Programmes, 1)
	require.Equal(t, "<title>News</title>", loaded.Guide.Programmes[0].Inner)
}

func TestStaleRowsDeletedBelowWatermark(t *testing.T) {
	db := openTestDB(t)

	first := sampleCatalog(time.Now())
	require.NoError(t, db.SaveCatalog(first))

	// second refresh drops one channel; its row must not survive
	second := sampleCatalog(time.Now().Add(time.Hour))
	delete(second.Channels, "ref2")
	require.NoError(t, db.SaveCatalog(second))

	loaded, err := db.LoadCatalog()
	require.NoError(t, err)
	require.Len(t, loaded.Channels, 1)
	require.Nil(t, loaded.Channels["ref2"])
}

func TestLoadEmptyDatabase(t *testing.T) {
	db := openTestDB(t)

	loaded, err := db.LoadCatalog()
	require.NoError(t, err)
	require.Empty(t, loaded.Channels)
	require.Empty(t, loaded.Guide.Channels)
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveCatalog(sampleCatalog(time.Now())))
	require.NoError(t, db.Close())

	// reopening re-runs migrate against an existing schema
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	loaded, err := db.LoadCatalog()
	require.NoError(t, err)
	require.Len(t, loaded.Channels, 2)
}
