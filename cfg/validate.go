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

import "fmt"

const (
	ShardBlockSizeTooSmallError    = "shard-block-size must be at least 4MiB"
	ShardBlockSizeTooLargeError    = "shard-block-size must be at most 4TiB"
	ShardLRULimitTooSmallError     = "shard-lru-limit must be at least 20"
	ShardDeletionRateTooSmallError = "shard-deletion-rate must be at least 100"
)

func isValidShardConfig(c *ShardConfig) error {
	if c.BlockSize < 4*mib {
		return fmt.Errorf(ShardBlockSizeTooSmallError)
	}
	if c.BlockSize > 4*tib {
		return fmt.Errorf(ShardBlockSizeTooLargeError)
	}
	if c.LRULimit < 20 {
		return fmt.Errorf(ShardLRULimitTooSmallError)
	}
	if c.DeletionRate < 100 {
		return fmt.Errorf(ShardDeletionRateTooSmallError)
	}
	return nil
}

func isValidLogRotateConfig(config *LogRotateConfig) error {
	if config.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidShardConfig(&config.Shard); err != nil {
		return fmt.Errorf("error parsing shard config: %w", err)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if config.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("invalid logging.severity: %s", config.Logging.Severity)
	}
	return nil
}
