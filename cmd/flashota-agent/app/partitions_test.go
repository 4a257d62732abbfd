package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autopeer-io/flashota/internal/flashagent/bootstate"
	"github.com/autopeer-io/flashota/internal/flashagent/partition"
)

func TestPrintPartitions(t *testing.T) {
	dir, err := partition.NewDirectory(partition.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := printPartitions(&out, dir, nil); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"rom0", "rom1", "spiffs0", "0x00202000", "no boot record"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output is missing %q:\n%s", want, out.String())
		}
	}

	store, err := bootstate.Open(filepath.Join(t.TempDir(), "boot.rec"), dir.Slots())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.Commit(context.Background(), store.NextBootCandidate()); err != nil {
		t.Fatal(err)
	}

	out.Reset()
	if err := printPartitions(&out, dir, store); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(out.String(), "\n") {
		switch {
		case strings.HasPrefix(line, "rom0") && !strings.HasSuffix(strings.TrimSpace(line), "running"):
			t.Errorf("rom0 row = %q, want running", line)
		case strings.HasPrefix(line, "rom1") && !strings.HasSuffix(strings.TrimSpace(line), "next"):
			t.Errorf("rom1 row = %q, want next", line)
		}
	}
}
