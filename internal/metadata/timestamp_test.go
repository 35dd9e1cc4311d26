package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_Greater(t *testing.T) {
	tests := []struct {
		name string
		a, b *Timestamp
		want bool
	}{
		{"smaller writer wins on tie", NewTimestamp(2, "AAAAA"), NewTimestamp(2, "ZZZZZ"), true},
		{"larger writer loses on tie", NewTimestamp(2, "ZZZZZ"), NewTimestamp(2, "AAAAA"), false},
		{"equal is not greater", NewTimestamp(2, "X"), NewTimestamp(2, "X"), false},
		{"higher counter wins regardless of id", NewTimestamp(3, "ZZZZZ"), NewTimestamp(2, "AAAAA"), true},
		{"lower counter loses regardless of id", NewTimestamp(2, "AAAAA"), NewTimestamp(3, "ZZZZZ"), false},
		{"anything beats nil", NewTimestamp(0, "a"), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Greater(tt.b))
		})
	}
}

func TestTimestamp_Increment(t *testing.T) {
	ts := NewTimestamp(4, "writer-a")
	next := ts.Increment("writer-b")

	assert.Equal(t, int32(5), next.Counter)
	assert.Equal(t, "writer-b", next.WriterID)
	assert.True(t, next.Greater(ts))
	// the receiver is left untouched
	assert.Equal(t, int32(4), ts.Counter)
	assert.Equal(t, "writer-a", ts.WriterID)
}

func TestTimestamp_StringParse(t *testing.T) {
	for _, ts := range []*Timestamp{
		NewTimestamp(0, "abc"),
		NewTimestamp(17, "client_with_underscores"),
		NewTimestamp(2147483647, "z"),
	} {
		parsed, err := ParseTimestamp(ts.String())
		require.NoError(t, err)
		assert.True(t, ts.Equal(parsed), "round trip of %s", ts)
	}

	assert.Equal(t, "3_cid", NewTimestamp(3, "cid").String())
}

func TestParseTimestamp_Malformed(t *testing.T) {
	for _, s := range []string{"", "12", "x_abc", "1_", "99999999999_a"} {
		_, err := ParseTimestamp(s)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", s)
	}
}
