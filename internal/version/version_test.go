// ABOUTME: Tests for version information
// ABOUTME: Ensures version fields are set and rendered
package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldsDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		assert.NotEmpty(t, v, name)
		assert.Less(t, len(v), 100, name)
		assert.NotContains(t, []string{"TODO", "FIXME", "XXX", "placeholder"}, v, name)
	}
}

func TestString(t *testing.T) {
	s := String()
	assert.Contains(t, s, Product)
	assert.Contains(t, s, Version)
	assert.Contains(t, s, Commit)
}
