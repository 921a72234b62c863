package srtmcache_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/srtmcache"
)

func Test_PathsFor_Derives_All_Four_Paths_From_TileID(t *testing.T) {
	t.Parallel()

	got := srtmcache.PathsFor("/data/tiles", "srtm_41_03")

	want := srtmcache.TilePaths{
		Archive:      filepath.Join("/data/tiles", "srtm_41_03.zip"),
		Artifact:     filepath.Join("/data/tiles", "srtm_41_03.tif"),
		DownloadLock: filepath.Join("/data/tiles", "srtm_41_03_zip.lock"),
		ExtractLock:  filepath.Join("/data/tiles", "srtm_41_03_tif.lock"),
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("paths mismatch (-want +got):\n%s", diff)
	}
}

func Test_PathsFor_Keeps_Tiles_Side_By_Side_In_One_Directory(t *testing.T) {
	t.Parallel()

	a := srtmcache.PathsFor("cache", "srtm_41_03")
	b := srtmcache.PathsFor("cache", "srtm_41_04")

	if a.Artifact == b.Artifact {
		t.Fatalf("distinct tiles must map to distinct artifacts, both got %q", a.Artifact)
	}

	if filepath.Dir(a.Artifact) != filepath.Dir(b.Artifact) {
		t.Fatalf("tiles must share one directory, got %q and %q", filepath.Dir(a.Artifact), filepath.Dir(b.Artifact))
	}
}

func Test_MemberName_Is_The_Tif_Inside_The_Archive(t *testing.T) {
	t.Parallel()

	if got := srtmcache.MemberName("srtm_41_03"); got != "srtm_41_03.tif" {
		t.Fatalf("MemberName() = %q, want %q", got, "srtm_41_03.tif")
	}
}
