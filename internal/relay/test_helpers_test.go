package relay

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

type sent struct {
	To  ConnID
	Msg Message
}

// recordingTransport records every delivery. Broadcasts are expanded over the
// connections listed in live.
type recordingTransport struct {
	live []ConnID
	out  []sent
}

func (t *recordingTransport) Send(to ConnID, msg Message) {
	t.out = append(t.out, sent{To: to, Msg: msg})
}

func (t *recordingTransport) Broadcast(except ConnID, msg Message) {
	for _, c := range t.live {
		if c != except {
			t.out = append(t.out, sent{To: c, Msg: msg})
		}
	}
}

func (t *recordingTransport) reset() { t.out = nil }

// to returns the messages delivered to c, in order.
func (t *recordingTransport) to(c ConnID) []Message {
	var msgs []Message
	for _, s := range t.out {
		if s.To == c {
			msgs = append(msgs, s.Msg)
		}
	}
	return msgs
}

func (t *recordingTransport) types(c ConnID) []string {
	var out []string
	for _, m := range t.to(c) {
		out = append(out, m.Type)
	}
	return out
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRelay(t *testing.T, live ...ConnID) (*Relay, *recordingTransport, *fakeClock) {
	t.Helper()
	tr := &recordingTransport{live: live}
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(Options{
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       clk.Now,
	})
	return r, tr, clk
}

func mustHandle(t *testing.T, r *Relay, from ConnID, ev Event) {
	t.Helper()
	if err := r.Handle(from, ev); err != nil {
		t.Fatalf("Handle(%s, %s): %v", from, ev.Kind, err)
	}
}

func equalTypes(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
