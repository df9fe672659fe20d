package shard

import (
	"strconv"
	"time"
)

// DateLayout is the day bucket format used by date metrics, matching
// SQLite's strftime('%Y-%m-%d', ts, 'unixepoch').
const DateLayout = "2006-01-02"

func unixDay(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(DateLayout)
}

func yearOf(day string) int {
	if len(day) < 4 {
		return 0
	}
	y, _ := strconv.Atoi(day[:4])
	return y
}
