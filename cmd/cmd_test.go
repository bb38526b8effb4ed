package cmd

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitsurgeon/firmlens/internal/aggregator"
)

func writeGzipFixture(t *testing.T, content []byte) string {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(content)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	path := filepath.Join(t.TempDir(), "firmware.bin.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestPluginsCommand_ListsCatalog(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"plugins"})

	require.NoError(t, root.Execute())

	listing := out.String()
	for _, name := range []string{"file_type", "crypto_hashes", "unpacker", "printable_strings", "entropy"} {
		assert.Contains(t, listing, name)
	}
}

func TestAnalyzeCommand_EndToEnd(t *testing.T) {
	firmware := writeGzipFixture(t, []byte("#!/bin/sh\necho booting firmware image\n"))
	reportPath := filepath.Join(t.TempDir(), "report.json")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{
		"analyze", firmware,
		"--output", reportPath,
		"--vendor", "acme",
		"--device", "router-x",
	})

	require.NoError(t, root.Execute())

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)

	var report aggregator.RollUp
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 2, report.ObjectCount, "the gzip root plus its extracted child")
	assert.True(t, report.Root.Valid())
	assert.NotEmpty(t, report.Summaries["file_type"])
}

func TestAnalyzeCommand_RejectsUnknownPlugin(t *testing.T) {
	firmware := writeGzipFixture(t, []byte("payload"))

	root := NewRootCommand()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"analyze", firmware, "--plugins", "does_not_exist"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestRootMetadataHelper(t *testing.T) {
	assert.Nil(t, rootMetadata("", "", "", "", ""))
	meta := rootMetadata("acme", "router-x", "", "1.2", "")
	require.NotNil(t, meta)
	assert.Equal(t, "acme", meta.Vendor)
	assert.Equal(t, "router-x", meta.DeviceName)
}
