// Copyright 2023 Google Inc. All Rights Reserved.
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

package logger

import (
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"testing"

	"github.com/shardfs/shardfs/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jsonInfoString = regexp.MustCompile(`^{"time":"[^"]+","severity":"INFO","msg":"TestLogs: hello"}`)

func TestJSONHandlerRewritesSeverityAndPrefix(t *testing.T) {
	var buf bytes.Buffer
	lv := &slog.LevelVar{}
	l := slog.New(defaultLoggerFactory.createJsonOrTextHandler(&buf, lv, "TestLogs: "))

	l.Info("hello")

	assert.Regexp(t, jsonInfoString, buf.String())
}

func TestInitRejectsUnknownSeverity(t *testing.T) {
	err := Init(cfg.LoggingConfig{Severity: "BOGUS"})
	require.Error(t, err)
}

func TestInitAcceptsEachSeverity(t *testing.T) {
	for sev := range severityToLevel {
		require.NoError(t, Init(cfg.LoggingConfig{Severity: sev, Format: "text"}))
	}
	// Restore a sane default for subsequent tests in the package.
	require.NoError(t, Init(cfg.DefaultLoggingConfig()))
}

func TestLevelFunctionsDoNotPanic(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		Tracef(ctx, "t %d", 1)
		Debugf(ctx, "d %d", 1)
		Infof(ctx, "i %d", 1)
		Warnf(ctx, "w %d", 1)
		Errorf(ctx, "e %d", 1)
	})
}
