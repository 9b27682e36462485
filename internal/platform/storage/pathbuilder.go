package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ExportSnapshotPath returns exports/<yyyy-mm-dd>/<exportID>/<fileName> for a rendered preview.
func ExportSnapshotPath(exportedAt time.Time, exportID, fileName string) (string, error) {
	id, err := validateSegment("exportID", exportID)
	if err != nil {
		return "", err
	}
	name, err := validateSegment("fileName", fileName)
	if err != nil {
		return "", err
	}
	if exportedAt.IsZero() {
		return "", fmt.Errorf("storage: exportedAt is required")
	}
	return fmt.Sprintf("exports/%s/%s/%s", exportedAt.UTC().Format("2006-01-02"), id, name), nil
}

// CatalogObjectPath joins a catalogue prefix with a relative asset name such as
// "colours/dulux.json" or "masks/bedroom1/front.svg".
func CatalogObjectPath(prefix, name string) (string, error) {
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", fmt.Errorf("storage: object name is required")
	}
	for _, segment := range strings.Split(name, "/") {
		if _, err := validateSegment("name", segment); err != nil {
			return "", err
		}
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return name, nil
	}
	return path.Join(prefix, name), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
