package mention

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"no mentions", "looks good to me", nil},
		{"single mention", "hello @bob", []string{"bob"}},
		{"multiple mentions", "@alice please review with @bob", []string{"alice", "bob"}},
		{"duplicate collapsed", "@bob and again @bob", []string{"bob"}},
		{"punctuation boundary", "ping @carol.diaz, thanks", []string{"carol.diaz"}},
		{"bare at sign", "meet @ noon", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.content))
		})
	}
}
