package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeOverridesBase(t *testing.T) {
	e := FromList([]string{"PATH=/usr/bin", "NODE_ENV=development", "=bad", "noequals"})
	e.Set("NODE_ENV", "production").Set("HARDHAT_NETWORK", "localhost")

	got := e.List()
	assert.Equal(t, []string{"HARDHAT_NETWORK=localhost", "NODE_ENV=production", "PATH=/usr/bin"}, got)
}

func TestMergeExtraAndExpansion(t *testing.T) {
	e := FromList([]string{"HOME=/home/goat"})
	e.Set("DATA", "${HOME}/data")
	got := e.Merge([]string{"BACKUP=${DATA}/backups", "KEEP=${MISSING}"})
	assert.Contains(t, got, "DATA=/home/goat/data")
	assert.Contains(t, got, "BACKUP=/home/goat/data/backups")
	assert.Contains(t, got, "KEEP=${MISSING}")
}

func TestFromOSIncludesProcessEnv(t *testing.T) {
	t.Setenv("GOATNODE_ENV_TEST", "1")
	assert.Contains(t, FromOS().List(), "GOATNODE_ENV_TEST=1")
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, base string, extra string) {
		e := FromList(strings.Split(base, "\n"))
		out := e.Merge(strings.Split(extra, "\n"))
		seen := map[string]bool{}
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
			if seen[kv[:i]] {
				t.Fatalf("duplicate key %q", kv[:i])
			}
			seen[kv[:i]] = true
		}
	})
}
