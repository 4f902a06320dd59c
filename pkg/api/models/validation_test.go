package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSandbox_Validate(t *testing.T) {
	tests := []struct {
		name        string
		request     NewSandbox
		wantErr     string
		wantTimeout int32
	}{
		{
			name:        "defaults timeout",
			request:     NewSandbox{TemplateID: "base"},
			wantTimeout: DefaultTimeoutSeconds,
		},
		{
			name:    "missing template",
			request: NewSandbox{TemplateID: " "},
			wantErr: "templateID is required",
		},
		{
			name:    "timeout too short",
			request: NewSandbox{TemplateID: "base", Timeout: 5},
			wantErr: "timeout should between",
		},
		{
			name:    "timeout too long",
			request: NewSandbox{TemplateID: "base", Timeout: MaxTimeoutSeconds + 1},
			wantErr: "timeout should between",
		},
		{
			name: "valid metadata",
			request: NewSandbox{TemplateID: "base", Timeout: 60, Metadata: map[string]string{
				"team":             "core",
				"example.com/user": "alice",
			}},
			wantTimeout: 60,
		},
		{
			name:    "reserved metadata prefix",
			request: NewSandbox{TemplateID: "base", Metadata: map[string]string{"e2b.owner": "x"}},
			wantErr: "forbidden metadata key",
		},
		{
			name:    "unqualified metadata key",
			request: NewSandbox{TemplateID: "base", Metadata: map[string]string{"bad key": "x"}},
			wantErr: "unqualified metadata key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTimeout, tt.request.Timeout)
		})
	}
}

func TestMetadataQuery(t *testing.T) {
	metadata := map[string]string{"b": "2", "a": "x y", "c": "a&b=c"}
	encoded := EncodeMetadataQuery(metadata)
	assert.Equal(t, "a=x+y&b=2&c=a%26b%3Dc", encoded)

	decoded, err := DecodeMetadataQuery(encoded)
	require.NoError(t, err)
	assert.Equal(t, metadata, decoded)

	assert.Empty(t, EncodeMetadataQuery(nil))
	decoded, err = DecodeMetadataQuery("novalue&&k=v")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, decoded)
}

func TestMaskKey(t *testing.T) {
	mask := MaskKey("e2b_", "e2b_0123456789")
	assert.Equal(t, "e2b_", mask.Prefix)
	assert.Equal(t, 10, mask.ValueLength)
	assert.Equal(t, "01", mask.MaskedValuePrefix)
	assert.Equal(t, "6789", mask.MaskedValueSuffix)

	short := MaskKey("", "abc")
	assert.Equal(t, "abc", short.MaskedValueSuffix)
	assert.Empty(t, short.MaskedValuePrefix)
}
