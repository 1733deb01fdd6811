package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"-", "stdin"},
		{"logs/login.cy.js.ndjson", "login.cy.js"},
		{"/tmp/checkout.jsonl", "checkout"},
		{"events.log", "events"},
		{"raw", "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, specFromPath(tt.path))
		})
	}
}
