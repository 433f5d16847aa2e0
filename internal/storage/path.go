package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

const SnapshotContentType = "application/vnd.apache.parquet"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildSnapshotKey names a schema index snapshot by index and build time, so
// repeated uploads never overwrite the snapshot a running service loaded.
func BuildSnapshotKey(indexName string, builtAt time.Time) (string, error) {
	if err := validatePathComponent(indexName, "index name"); err != nil {
		return "", err
	}
	ts := builtAt.UTC()
	return path.Join(
		"schema-index",
		indexName,
		fmt.Sprintf("snapshot-%s.parquet", ts.Format("20060102T150405Z")),
	), nil
}

// LatestSnapshotKey is the stable alias the service loads by default.
func LatestSnapshotKey(indexName string) (string, error) {
	if err := validatePathComponent(indexName, "index name"); err != nil {
		return "", err
	}
	return path.Join("schema-index", indexName, "latest.parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
