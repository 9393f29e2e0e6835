package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/videoinsight/internal/job"
)

// ParseSRT reads SubRip cues into segments. Cue numbers are ignored; multi-line
// cue text is joined with spaces.
func ParseSRT(data string) ([]job.Segment, error) {
	data = strings.TrimPrefix(data, "\ufeff")
	data = strings.ReplaceAll(data, "\r\n", "\n")

	var segs []job.Segment
	for _, block := range strings.Split(data, "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 || lines[0] == "" {
			continue
		}
		// Cue number is optional in the wild.
		if !strings.Contains(lines[0], "-->") {
			lines = lines[1:]
		}
		if len(lines) == 0 {
			continue
		}

		start, end, err := parseCueTiming(lines[0])
		if err != nil {
			return nil, err
		}
		text := strings.TrimSpace(strings.Join(lines[1:], " "))
		if text == "" {
			continue
		}
		segs = append(segs, job.Segment{Text: text, StartMs: start, EndMs: end})
	}
	return segs, nil
}

func parseCueTiming(line string) (int64, int64, error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("srt: bad timing line %q", line)
	}
	start, err := parseSRTTime(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// Drop position hints after the end time.
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("srt: missing end time in %q", line)
	}
	end, err := parseSRTTime(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// parseSRTTime parses HH:MM:SS,mmm (a '.' separator is accepted too).
func parseSRTTime(s string) (int64, error) {
	s = strings.Replace(s, ",", ".", 1)
	hms := strings.Split(s, ":")
	if len(hms) != 3 {
		return 0, fmt.Errorf("srt: bad timestamp %q", s)
	}
	h, err1 := strconv.ParseInt(hms[0], 10, 64)
	m, err2 := strconv.ParseInt(hms[1], 10, 64)
	sec, err3 := strconv.ParseFloat(hms[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("srt: bad timestamp %q", s)
	}
	return h*3600000 + m*60000 + int64(sec*1000+0.5), nil
}
