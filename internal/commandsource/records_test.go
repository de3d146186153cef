package commandsource

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cthiebaud/hacklily/internal/render"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestJSONLinesReaderSkipsBlankLinesAndFlagsBadRecords(t *testing.T) {
	path := writeFile(t, "jobs.jsonl", []byte(`{"backend":"svg","src":"{ c4 }"}

  {"backend":
{"backend":"pdf","src":"{ d4 }"}
`))
	reader, err := openRecordReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var first render.Request
	require.NoError(t, reader.Next(&first))
	assert.Equal(t, render.BackendSVG, first.Backend)

	var bad render.Request
	assert.ErrorIs(t, reader.Next(&bad), errMalformedRecord)

	var third render.Request
	require.NoError(t, reader.Next(&third))
	assert.Equal(t, render.BackendPDF, third.Backend)

	assert.ErrorIs(t, reader.Next(&third), io.EOF)
}

func TestMessagePackReaderSeparatesBadValuesFromBrokenFraming(t *testing.T) {
	var content []byte
	for _, value := range []any{
		render.Request{ID: "a", Backend: render.BackendSVG, Src: "{ c4 }"},
		"not a request",
		render.Request{ID: "b", Backend: render.BackendMusicXML2Ly, Src: "<score-partwise/>"},
	} {
		raw, err := msgpack.Marshal(value)
		require.NoError(t, err)
		content = append(content, raw...)
	}
	path := writeFile(t, "jobs.msgpack", content)

	reader, err := openRecordReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var req render.Request
	require.NoError(t, reader.Next(&req))
	assert.Equal(t, "a", req.ID)
	assert.ErrorIs(t, reader.Next(&req), errMalformedRecord)
	req = render.Request{}
	require.NoError(t, reader.Next(&req))
	assert.Equal(t, "b", req.ID)
	assert.ErrorIs(t, reader.Next(&req), io.EOF)
}

func TestMessagePackReaderTreatsTruncationAsFatal(t *testing.T) {
	raw, err := msgpack.Marshal(render.Request{ID: "a", Backend: render.BackendSVG, Src: "{ c4 }"})
	require.NoError(t, err)
	path := writeFile(t, "jobs.mpk", raw[:len(raw)-3])

	reader, err := openRecordReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var req render.Request
	err = reader.Next(&req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errMalformedRecord))
	assert.False(t, errors.Is(err, io.EOF))
}

func TestOpenRecordReaderFailsForMissingFile(t *testing.T) {
	_, err := openRecordReader(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = openRecordReader("  ")
	assert.Error(t, err)
}
