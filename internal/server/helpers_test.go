package server

import (
	"testing"

	"github.com/danmuck/convergectl/internal/topology"
)

func mustDecode(t *testing.T, raw string) *topology.DesiredTopology {
	t.Helper()
	desired, err := topology.DecodeDesired([]byte(raw), topology.FormatJSON)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return desired
}
