package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1024", 1024},
		{"1KB", KB},
		{"1.5 GB", GB + GB/2},
		{"500Mi", 500 * MB},
		{"2t", 2 * TB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5MB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "2.00 GB", Format(2*GB))
	assert.Equal(t, "-1.00 MB", Format(-MB))
}

func TestSize_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 2GB\nb: 4096\n"), &cfg))
	assert.Equal(t, 2*GB, cfg.A.Bytes())
	assert.Equal(t, int64(4096), cfg.B.Bytes())

	err := yaml.Unmarshal([]byte("a: lots\n"), &cfg)
	assert.Error(t, err)
}
