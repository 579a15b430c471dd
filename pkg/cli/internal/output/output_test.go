package output

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_Indents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	tw := Table(&buf)
	fmt.Fprintln(tw, "KEY\tVALUE")
	fmt.Fprintln(tw, "fault.http.abort.abort_percent\t5")
	require.NoError(t, tw.Flush())

	assert.Equal(t, "KEY                             VALUE\nfault.http.abort.abort_percent  5\n", buf.String())
}
