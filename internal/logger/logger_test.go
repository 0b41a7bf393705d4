package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "json", false)

	Info("should not appear")
	Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)

	Info("transfer started", "path", "fw.bin", "block", 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "transfer started", record["msg"])
	assert.Equal(t, "fw.bin", record["path"])
}

func TestTextFormatIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)

	Info("oack sent", "blksize", 1024)

	out := buf.String()
	assert.True(t, strings.Contains(out, "oack sent"))
	assert.True(t, strings.Contains(out, "blksize=1024"))
}

func TestContextFieldsPrepended(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "json", false)

	lc := NewLogContext("tftp", "10.0.0.5:0").WithOperation("RRQ").WithCorrelationID("abc123")
	ctx := WithContext(context.Background(), lc)

	InfoCtx(ctx, "read request")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "abc123", record[KeyCorrelationID])
	assert.Equal(t, "RRQ", record[KeyOperation])
}
