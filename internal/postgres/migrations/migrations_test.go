package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles_OrderedAndReadable(t *testing.T) {
	files, err := Files()
	require.NoError(t, err)
	require.Equal(t, []string{
		"001_create_job_attempts.sql",
		"002_index_job_attempts_executed_at.sql",
	}, files)

	sql, err := FS.ReadFile(files[0])
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(sql), "CREATE TABLE IF NOT EXISTS job_attempts"))
}
