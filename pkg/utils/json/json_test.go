package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

func TestMarshalRoundTrip(t *testing.T) {
	in := question{Question: "What is ATP?", Options: []string{"a", "b"}}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out question
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(map[string]int{"k": 1}))

	var got map[string]int
	require.NoError(t, NewDecoder(&buf).Decode(&got))
	assert.Equal(t, 1, got["k"])
}

func TestUnmarshalEmbedded(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{"纯数组", `[{"question":"q1"},{"question":"q2"}]`, 2, false},
		{"前后有说明文字", "Here you go:\n[{\"question\":\"q1\"}]\nGood luck!", 1, false},
		{"markdown 代码块", "```json\n[{\"question\":\"a ] b\"}]\n```", 1, false},
		{"字符串中的括号", `[{"question":"what is [x]?"}]`, 1, false},
		{"没有 JSON", "no json here", 0, true},
		{"未闭合", `[{"question":"q1"}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []question
			err := UnmarshalEmbedded(tt.text, &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}
