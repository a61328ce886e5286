package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshotLike struct {
	ID         int64         `json:"id"`
	CommitUser string        `json:"commitUser"`
	LogOffsets map[int]int64 `json:"logOffsets,omitempty"`
}

func TestCodecs_ReadEachOther(t *testing.T) {
	in := snapshotLike{ID: 7, CommitUser: "writer-1", LogOffsets: map[int]int64{0: 10, 3: 42}}
	codecs := []Codec{JSON{}, GoJSON{}}

	for _, enc := range codecs {
		data, err := enc.Marshal(in)
		require.NoError(t, err)
		for _, dec := range codecs {
			t.Run(enc.Name()+"->"+dec.Name(), func(t *testing.T) {
				var out snapshotLike
				require.NoError(t, dec.Unmarshal(data, &out))
				assert.Equal(t, in, out)
			})
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestMarshalIndent(t *testing.T) {
	data, err := MarshalIndent(snapshotLike{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"id\": 1,\n  \"commitUser\": \"\"\n}\n", string(data))
}
