package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLayout(t *testing.T) {
	start := time.Date(2024, 3, 9, 21, 5, 7, 0, time.Local)
	p := New("/srv", "12345", start)

	cases := map[string]string{
		"slug":     p.Slug,
		"records":  p.RecordsDir(),
		"merged":   p.MergedFile(),
		"splits":   p.SplitsDir(),
		"manifest": p.ManifestFile(),
		"chat":     p.ChatLog(),
		"ass":      p.SubtitleFile(),
		"part":     p.SplitFile(3),
	}
	want := map[string]string{
		"slug":     "12345_2024-03-09_21-05-07",
		"records":  "/srv/data/records/12345_2024-03-09_21-05-07",
		"merged":   "/srv/data/merged/12345_2024-03-09_21-05-07_merged.mp4",
		"splits":   "/srv/data/splits/12345_2024-03-09_21-05-07",
		"manifest": "/srv/data/merge_confs/12345_2024-03-09_21-05-07_merge_conf.txt",
		"chat":     "/srv/data/danmu/12345_2024-03-09_21-05-07/danmu.jsonl",
		"ass":      "/srv/data/danmu/12345_2024-03-09_21-05-07/12345_2024-03-09_21-05-07.ass",
		"part":     "/srv/data/splits/12345_2024-03-09_21-05-07/12345_2024-03-09_21-05-07_0003.mp4",
	}
	for k, got := range cases {
		if got != want[k] {
			t.Errorf("%s = %q, want %q", k, got, want[k])
		}
	}
}

func TestParseSlugRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	for _, room := range []string{"1", "room_with_underscores"} {
		gotRoom, gotStart, err := ParseSlug(Slug(room, start))
		if err != nil {
			t.Fatalf("ParseSlug: %v", err)
		}
		if gotRoom != room || !gotStart.Equal(start) {
			t.Errorf("got (%q, %v), want (%q, %v)", gotRoom, gotStart, room, start)
		}
	}
	if _, _, err := ParseSlug("garbage"); err == nil {
		t.Error("expected error for invalid slug")
	}
}

func TestFromDir(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	p := New("/d", "77", start)
	for _, in := range []string{p.RecordsDir(), p.MergedFile(), p.SplitsDir()} {
		got, err := FromDir("/d", in)
		if err != nil {
			t.Fatalf("FromDir(%s): %v", in, err)
		}
		if got.Slug != p.Slug {
			t.Errorf("FromDir(%s).Slug = %s, want %s", in, got.Slug, p.Slug)
		}
	}
}

func TestEnsureAndFragmentCollision(t *testing.T) {
	p := New(t.TempDir(), "9", time.Now())
	if err := p.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, d := range []string{p.RecordsDir(), p.SplitsDir(), p.ChatDir(), p.OutputsDir(), p.ManifestDir()} {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			t.Errorf("dir %s not created", d)
		}
	}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)
	first := p.FragmentPath(at)
	if err := os.WriteFile(first, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	second := p.FragmentPath(at)
	if second == first || !strings.HasSuffix(second, "_1.flv") {
		t.Errorf("collision not suffixed: %s", second)
	}
}

func TestMarkerLifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "splits")
	if HasMarker(dir) {
		t.Fatal("marker present before Mark")
	}
	if err := Mark(dir, "quota exceeded", time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !HasMarker(dir) {
		t.Fatal("marker missing after Mark")
	}
	b, _ := os.ReadFile(MarkerPath(dir))
	if !strings.HasPrefix(string(b), "failed_at=2024-05-06 07:08:09 reason=quota exceeded") {
		t.Errorf("unexpected marker content %q", b)
	}
	if got := MarkerReason(dir); got != "quota exceeded" {
		t.Errorf("MarkerReason = %q", got)
	}
	if err := ClearMarker(dir); err != nil {
		t.Fatalf("ClearMarker: %v", err)
	}
	if HasMarker(dir) {
		t.Error("marker present after ClearMarker")
	}
	if err := ClearMarker(dir); err != nil {
		t.Errorf("second ClearMarker should be a no-op, got %v", err)
	}
}
