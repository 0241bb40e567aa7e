package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type packageConfig struct {
	Name   string             `json:"name"`
	Speed  float64            `json:"speed"`
	Fields []string           `json:"fields"`
	Limits map[string]float64 `json:"limits"`
}

func TestCodecs_RoundTrip(t *testing.T) {
	in := packageConfig{
		Name:   "move",
		Speed:  1.5,
		Fields: []string{"x", "y"},
		Limits: map[string]float64{"max": 10},
	}
	for _, name := range []string{"json", "go-json"} {
		t.Run(name, func(t *testing.T) {
			c, ok := ByName(name)
			require.True(t, ok)
			assert.Equal(t, name, c.Name())

			b, err := c.Marshal(in)
			require.NoError(t, err)

			// Both codecs must read each other's output.
			var out packageConfig
			require.NoError(t, JSON{}.Unmarshal(b, &out))
			assert.Equal(t, in, out)
			out = packageConfig{}
			require.NoError(t, GoJSON{}.Unmarshal(b, &out))
			assert.Equal(t, in, out)
		})
	}

	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestSplitArray(t *testing.T) {
	parts := [][]byte{[]byte(`{"n":1}`), []byte(`2`), []byte(`"s"`)}
	for _, c := range []Codec{JSON{}, GoJSON{}} {
		got, err := SplitArray(c, JoinArray(parts))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.JSONEq(t, `{"n":1}`, string(got[0]))
		assert.JSONEq(t, `"s"`, string(got[2]))
	}

	_, err := SplitArray(nil, []byte(`{"not":"array"}`))
	assert.Error(t, err)
}

func TestMustMarshal(t *testing.T) {
	assert.Equal(t, `[1,2]`, string(MustMarshal(nil, []int{1, 2})))
	assert.Panics(t, func() { MustMarshal(JSON{}, func() {}) })
}

func TestJoinArray(t *testing.T) {
	joined := JoinArray([][]byte{[]byte(`{"n":1}`), nil, []byte(`2`)})
	assert.Equal(t, `[{"n":1},null,2]`, string(joined))

	var out []any
	require.NoError(t, Default.Unmarshal(joined, &out))
	assert.Len(t, out, 3)
	assert.Equal(t, "[]", string(JoinArray(nil)))
}
