package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeCatalog(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestValidateCatalog_Clean(t *testing.T) {
	path := writeCatalog(t, `creatives:
  - creative_instance_id: ci-1
    creative_set_id: cs-1
    campaign_id: camp-1
    advertiser_id: adv-1
    segment: sports
`)
	out, err := runCLI(t, "validate-catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 creatives, 0 problems")
}

func TestValidateCatalog_ReportsProblems(t *testing.T) {
	path := writeCatalog(t, `creatives:
  - creative_instance_id: ci-1
    campaign_id: camp-1
    segment: sports
  - creative_instance_id: ci-2
    campaign_id: camp-2
    advertiser_id: adv-2
`)
	out, err := runCLI(t, "validate-catalog", path)
	assert.Error(t, err)
	assert.Contains(t, out, "2 creatives, 1 problems")
}

func TestValidateCatalog_RequiresSource(t *testing.T) {
	_, err := runCLI(t, "validate-catalog")
	assert.Error(t, err)

	_, err = runCLI(t, "validate-catalog", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
