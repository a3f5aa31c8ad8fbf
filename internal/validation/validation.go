// Package validation holds the naming rules shared by the schema builder and
// the driver adapters.
package validation

import (
	"fmt"
	"strings"
)

const maxDatabaseNameLength = 64

// ValidateFieldName checks that a name can be used as a schema field or
// storage key.
func ValidateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if strings.HasPrefix(name, "$") {
		return fmt.Errorf("field name %q cannot start with '$'", name)
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("field name %q cannot contain '.'", name)
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("field name %q cannot contain '__', it separates lookup segments", name)
	}
	if IsReservedFieldName(name) {
		return fmt.Errorf("'%s' is a reserved field name", name)
	}
	return nil
}

// IsReservedFieldName checks if a name is reserved by the document layer
func IsReservedFieldName(name string) bool {
	reserved := []string{"_id", "_cls", "pk"}

	for _, reservedName := range reserved {
		if name == reservedName {
			return true
		}
	}

	return false
}

// ValidateCollectionName checks that a collection name is acceptable to the
// database.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if strings.Contains(name, "$") {
		return fmt.Errorf("collection name %q cannot contain '$'", name)
	}
	if strings.HasPrefix(name, "system.") {
		return fmt.Errorf("collection name %q uses the reserved 'system.' prefix", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("collection name %q cannot contain NUL", name)
	}
	return nil
}

// ValidateDatabaseName checks that a database name is acceptable to the
// database.
func ValidateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if strings.ContainsAny(name, " .$/\\\x00") {
		return fmt.Errorf("database name '%s' contains invalid characters", name)
	}
	if len(name) > maxDatabaseNameLength {
		return fmt.Errorf("database name '%s' is too long (max %d characters)", name, maxDatabaseNameLength)
	}
	return nil
}

// ValidateSchemaName checks that a schema name is usable as a class
// discriminator segment.
func ValidateSchemaName(name string) error {
	if name == "" {
		return fmt.Errorf("schema name cannot be empty")
	}
	if strings.ContainsAny(name, ". $") {
		return fmt.Errorf("schema name %q cannot contain '.', '$' or spaces", name)
	}
	return nil
}
