package app

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/autopeer-io/flashota/internal/flashagent/hub"
	"github.com/autopeer-io/flashota/internal/flashagent/ota"
)

func TestWaiter(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := sent.Add(time.Second)
	stale := sent.Add(-time.Hour)

	tests := []struct {
		name string
		feed func(w *waiter)
		want *outcome
	}{
		{
			name: "restarting",
			feed: func(w *waiter) {
				w.observeStatus(ota.Status{State: ota.StateInProgress, StartedAt: fresh})
				w.observeStatus(ota.Status{State: ota.StateRestarting, NextBoot: "rom1", StartedAt: fresh})
			},
			want: &outcome{nextBoot: "rom1"},
		},
		{
			name: "aborted",
			feed: func(w *waiter) {
				w.observeStatus(ota.Status{State: ota.StateAborted, Error: "checksum mismatch", StartedAt: fresh})
			},
			want: &outcome{failed: true, reason: "checksum mismatch"},
		},
		{
			name: "retained snapshot of an older session",
			feed: func(w *waiter) {
				w.observeStatus(ota.Status{State: ota.StateRestarting, NextBoot: "rom0", StartedAt: stale})
			},
		},
		{
			name: "back online after the session started",
			feed: func(w *waiter) {
				w.observeStatus(ota.Status{State: ota.StateInProgress, StartedAt: fresh})
				w.observeOnline(hub.OnlineStatus{DeviceID: "esp-01", Online: true, Running: "rom1"})
			},
			want: &outcome{running: "rom1"},
		},
		{
			name: "retained online message before any session",
			feed: func(w *waiter) {
				w.observeOnline(hub.OnlineStatus{DeviceID: "esp-01", Online: true, Running: "rom0"})
			},
		},
		{
			name: "first decision wins",
			feed: func(w *waiter) {
				w.observeStatus(ota.Status{State: ota.StateRestarting, NextBoot: "rom1", StartedAt: fresh})
				w.observeOnline(hub.OnlineStatus{Online: true, Running: "rom1"})
			},
			want: &outcome{nextBoot: "rom1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWaiter(sent, 30*time.Second)
			tt.feed(w)

			select {
			case got := <-w.done:
				if tt.want == nil {
					t.Fatalf("unexpected outcome %+v", got)
				}
				if got != *tt.want {
					t.Errorf("outcome = %+v, want %+v", got, *tt.want)
				}
			default:
				if tt.want != nil {
					t.Fatal("no outcome")
				}
			}
		})
	}
}

func TestOutcomeReport(t *testing.T) {
	var out bytes.Buffer
	if err := (outcome{nextBoot: "rom1"}).report(&out, "esp-01"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "esp-01 is restarting into rom1\n" {
		t.Errorf("report = %q", got)
	}

	err := (outcome{failed: true, reason: "partition full"}).report(&out, "esp-01")
	if err == nil || !strings.Contains(err.Error(), "partition full") {
		t.Errorf("report() = %v, want the abort reason", err)
	}
}

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 5, 0, time.UTC)
	st := ota.Status{
		State:    ota.StateInProgress,
		Running:  "rom0",
		NextBoot: "rom0",
		Items: []ota.ItemStatus{
			{Kind: ota.KindApplication, State: ota.ItemTransferring, Bytes: 4096},
		},
	}

	want := "08:30:05 esp-01 state=in_progress running=rom0 next=rom0 application=transferring(4096B)"
	if got := formatStatus(now, "esp-01", st); got != want {
		t.Errorf("formatStatus() =\n%q\nwant\n%q", got, want)
	}

	off := formatOnline(now, hub.OnlineStatus{DeviceID: "esp-01", Reason: "connection lost"})
	if off != "08:30:05 esp-01 offline reason=connection lost" {
		t.Errorf("formatOnline() = %q", off)
	}
}
