// Package subtitle renders a session chat log into a scrolling ASS subtitle track.
package subtitle

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Style controls the rendered track. Field set matches config.DanmakuStyle so the two convert directly.
type Style struct {
	PlayResX   int
	PlayResY   int
	Font       string
	FontSize   int
	Duration   float64
	RowCount   int
	LineHeight int
	MarginTop  int
	ScrollEnd  int
}

// DefaultStyle is a 1080p track with twelve scrolling rows.
func DefaultStyle() Style {
	return Style{
		PlayResX:   1920,
		PlayResY:   1080,
		Font:       "Microsoft YaHei",
		FontSize:   45,
		Duration:   6.0,
		RowCount:   12,
		LineHeight: 40,
		MarginTop:  60,
		ScrollEnd:  -200,
	}
}

// Entry is one chat line positioned on the session timeline.
type Entry struct {
	Offset float64 // seconds since session start
	Text   string
}

// Accepted record types. Older logs used "danmaku".
var chatTypes = map[string]bool{"chat": true, "danmaku": true}

// maxLineSize bounds one chat log line; longer lines are skipped.
const maxLineSize = 1 << 20

// ReadEntries parses a chat log. Lines that are not chat records with a numeric
// time and non-empty text are skipped, as are lines over maxLineSize. The
// result is stably sorted by offset.
func ReadEntries(r io.Reader, start time.Time) ([]Entry, error) {
	startMs := float64(start.UnixMilli())
	var out []Entry
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := readLine(br)
		if len(raw) > 0 {
			if e, ok := parseEntry(raw, startMs); ok {
				out = append(out, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chat log: %w", err)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

// readLine returns the next line without its newline. An oversized line is
// drained and returned empty.
func readLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	over := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !over {
			if len(line)+len(chunk) > maxLineSize {
				over, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if over {
			return nil, err
		}
		return line, err
	}
}

func parseEntry(raw []byte, startMs float64) (Entry, bool) {
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return Entry{}, false
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Entry{}, false
	}
	if t, _ := rec["type"].(string); !chatTypes[t] {
		return Entry{}, false
	}
	text := strings.TrimSpace(fmt.Sprint(valueOr(rec["text"], "")))
	if text == "" {
		return Entry{}, false
	}
	ts, ok := rec["time"].(float64)
	if !ok {
		return Entry{}, false
	}
	off := (ts - startMs) / 1000
	if off < 0 {
		off = 0
	}
	return Entry{Offset: off, Text: text}, true
}

func valueOr(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}

// Render writes the ASS document for entries to w.
func Render(w io.Writer, entries []Entry, st Style) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(header(st))
	rows := st.RowCount
	if rows < 1 {
		rows = 1
	}
	for i, e := range entries {
		y := st.MarginTop + (i%rows)*st.LineHeight
		fmt.Fprintf(bw, "Dialogue: 0,%s,%s,Danmaku,,0,0,0,,{\\bord1.2\\shad0\\move(%d,%d,%d,%d)}%s\n",
			FormatTimestamp(e.Offset), FormatTimestamp(e.Offset+st.Duration),
			st.PlayResX, y, st.ScrollEnd, y, escape(e.Text))
	}
	return bw.Flush()
}

// WriteFile renders chatLog into out and returns the number of dialogue lines.
// When the log is missing or holds no valid entries nothing is written and 0 is returned.
func WriteFile(chatLog, out string, start time.Time, st Style) (int, error) {
	f, err := os.Open(chatLog)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open chat log: %w", err)
	}
	defer f.Close()
	entries, err := ReadEntries(f, start)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return 0, fmt.Errorf("create subtitle dir: %w", err)
	}
	tmp := out + ".part"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create subtitle: %w", err)
	}
	if err := Render(dst, entries, st); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("render subtitle: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close subtitle: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("finalize subtitle: %w", err)
	}
	return len(entries), nil
}

func header(st Style) string {
	var b strings.Builder
	b.WriteString("[Script Info]\n")
	b.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&b, "PlayResX: %d\n", st.PlayResX)
	fmt.Fprintf(&b, "PlayResY: %d\n", st.PlayResY)
	b.WriteString("Collisions: Normal\n")
	b.WriteString("WrapStyle: 2\n")
	b.WriteString("ScaledBorderAndShadow: yes\n")
	b.WriteString("YCbCr Matrix: TV.601\n\n")
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, " +
		"Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, " +
		"Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&b, "Style: Danmaku,%s,%d,&H00FFFFFF,&H00FFFFFF,&H64000000,&H96000000,-1,0,0,0,"+
		"100,100,0,0,1,1.5,0,2,30,30,20,1\n\n", st.Font, st.FontSize)
	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	return b.String()
}

// FormatTimestamp renders seconds as h:mm:ss.cc.
func FormatTimestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	h := int(sec / 3600)
	m := int(math.Mod(sec, 3600) / 60)
	s := math.Mod(sec, 60)
	return fmt.Sprintf("%d:%02d:%05.2f", h, m, s)
}

// braces would be read as override blocks
func escape(s string) string {
	return strings.NewReplacer("{", "（", "}", "）").Replace(s)
}
