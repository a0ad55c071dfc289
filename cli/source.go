package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ddrecorder/ddrecorder/session"
)

// ManualRoom names sessions whose source path carries no room id.
const ManualRoom = "manual"

// collectFLV returns src itself when it is a .flv file, or every .flv directly under src, sorted.
func collectFLV(src string) ([]string, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		if !strings.EqualFold(filepath.Ext(src), ".flv") {
			return nil, fmt.Errorf("%s is not an .flv file", src)
		}
		return []string{src}, nil
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".flv") {
			out = append(out, filepath.Join(src, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no .flv files in %s", src)
	}
	sort.Strings(out)
	return out, nil
}

// sessionForSource derives the session a manual source belongs to. A source
// named after a slug keeps its room and start; otherwise the room is room (or
// ManualRoom) and the start is the oldest file's modification time.
func sessionForSource(dataPath, src, room string, files []string) (session.Paths, error) {
	if p, err := session.FromDir(dataPath, src); err == nil {
		if room == "" || room == p.Room {
			return p, nil
		}
		return session.New(dataPath, room, p.Start), nil
	}
	if room == "" {
		room = ManualRoom
	}
	var start time.Time
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return session.Paths{}, err
		}
		if start.IsZero() || fi.ModTime().Before(start) {
			start = fi.ModTime()
		}
	}
	if start.IsZero() {
		start = time.Now()
	}
	return session.New(dataPath, room, start.Truncate(time.Second)), nil
}

// locateMerged returns target when it is a file, or the single *_merged.mp4
// (else the first .mp4) inside target.
func locateMerged(target string) (string, error) {
	fi, err := os.Stat(target)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return target, nil
	}
	var merged, anyMP4 []string
	entries, err := os.ReadDir(target)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".mp4") {
			continue
		}
		anyMP4 = append(anyMP4, filepath.Join(target, name))
		if strings.HasSuffix(strings.TrimSuffix(name, filepath.Ext(name)), "_merged") {
			merged = append(merged, filepath.Join(target, name))
		}
	}
	switch {
	case len(merged) == 1:
		return merged[0], nil
	case len(merged) > 1:
		return "", fmt.Errorf("%s holds %d merged files; pass one explicitly", target, len(merged))
	case len(anyMP4) > 0:
		sort.Strings(anyMP4)
		return anyMP4[0], nil
	}
	return "", errors.New("no .mp4 file in " + target)
}
