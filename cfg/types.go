// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize accepts human-friendly sizes like "64MiB" or "4TiB" on the
// command line and in config files and unmarshals them to a raw byte count.
type ByteSize uint64

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
	tib = gib * 1024
)

func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	upper := strings.ToUpper(s)
	mult := uint64(1)
	switch {
	case strings.HasSuffix(upper, "TIB"):
		mult, s = tib, s[:len(s)-3]
	case strings.HasSuffix(upper, "GIB"):
		mult, s = gib, s[:len(s)-3]
	case strings.HasSuffix(upper, "MIB"):
		mult, s = mib, s[:len(s)-3]
	case strings.HasSuffix(upper, "KIB"):
		mult, s = kib, s[:len(s)-3]
	case strings.HasSuffix(upper, "B"):
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", string(text), err)
	}
	*b = ByteSize(v * mult)
	return nil
}

func (b ByteSize) String() string {
	switch {
	case b >= tib && b%tib == 0:
		return fmt.Sprintf("%dTiB", uint64(b)/tib)
	case b >= gib && b%gib == 0:
		return fmt.Sprintf("%dGiB", uint64(b)/gib)
	case b >= mib && b%mib == 0:
		return fmt.Sprintf("%dMiB", uint64(b)/mib)
	case b >= kib && b%kib == 0:
		return fmt.Sprintf("%dKiB", uint64(b)/kib)
	default:
		return fmt.Sprintf("%dB", uint64(b))
	}
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank.
// Returns -1 if the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}
