// Copyright 2024 Google Inc. All Rights Reserved.
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

// DefaultShardConfig returns the default shard knobs from the
// specification's configurable-knobs table.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		BlockSize:    64 * mib,
		LRULimit:     16384,
		DeletionRate: 100,
	}
}

// DefaultLoggingConfig returns the default configuration used during
// application startup, before any provided configuration has been parsed.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: InfoLogSeverity,
		Format:   "text",
		LogRotate: LogRotateConfig{
			BackupFileCount: 10,
			Compress:        true,
			MaxFileSizeMB:   512,
		},
	}
}

// DefaultConfig returns a fully populated Config with every knob at its
// documented default.
func DefaultConfig() Config {
	return Config{
		Shard:   DefaultShardConfig(),
		Logging: DefaultLoggingConfig(),
	}
}
