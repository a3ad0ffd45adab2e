package clockwork

import (
	"fmt"
	"path"
	"strings"
)

// Storage key layout for bucket objects.

const objectKeyPrefix = "objects"

// ObjectKey returns the backend storage key for an object in a bucket.
// Format: objects/{bucket}/{name}
func ObjectKey(bucket, name string) string {
	return objectKeyPrefix + "/" + bucket + "/" + name
}

// ParseObjectKey splits a backend storage key into its bucket and object name.
func ParseObjectKey(key string) (bucket, name string, err error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] != objectKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("invalid object key format: %s", key)
	}
	return parts[1], parts[2], nil
}

// ValidObjectName reports whether name is a flat object name that cannot
// escape its bucket.
func ValidObjectName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return path.Clean(name) == name
}
