package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeNext(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{"", defaultNext},
		{"/console", "/console"},
		{"/console/users?tab=pending", "/console/users?tab=pending"},
		{"console", defaultNext},
		{"https://evil.test/", defaultNext},
		{"//evil.test/", defaultNext},
		{"/\\evil.test", defaultNext},
		{"/console\\..\\", defaultNext},
		{"/console\r\nSet-Cookie: x=y", defaultNext},
		{"javascript:alert(1)", defaultNext},
		{"/" + strings.Repeat("a", 3000), defaultNext},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, safeNext(tt.next), "safeNext(%q)", tt.next)
	}
}

func TestValidItemID(t *testing.T) {
	valid := []string{"a", "3f2a9c", "item_1", "A-b-C", strings.Repeat("x", 64)}
	for _, id := range valid {
		assert.True(t, validItemID(id), id)
	}
	invalid := []string{"", "../etc", "a b", "a/b", "é", strings.Repeat("x", 65)}
	for _, id := range invalid {
		assert.False(t, validItemID(id), id)
	}
}
