package http3_test

import (
	"testing"

	"github.com/quic-go/h3/http3"
	"github.com/quic-go/h3/internal/h3test"
)

func newPair(t *testing.T, dgram bool) (*http3.Connection, *http3.Connection, *h3test.FakeTransport, *h3test.FakeTransport) {
	t.Helper()
	ct, st := h3test.NewPair(dgram)
	cfg := http3.NewConfig()
	cfg.SetGrease(false)
	client, err := http3.WithTransport(ct, cfg)
	if err != nil {
		t.Fatalf("client WithTransport: %v", err)
	}
	server, err := http3.WithTransport(st, cfg)
	if err != nil {
		t.Fatalf("server WithTransport: %v", err)
	}
	return client, server, ct, st
}

// pollUntil drives Poll up to maxSteps times, collecting every non-nil
// Event, and stops early once want have been collected.
func pollUntil(t *testing.T, c *http3.Connection, want int, maxSteps int) []*http3.Event {
	t.Helper()
	var events []*http3.Event
	for i := 0; i < maxSteps && len(events) < want; i++ {
		_, ev, err := c.Poll()
		if err != nil {
			if http3.IsDone(err) {
				continue
			}
			t.Fatalf("Poll: %v", err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// drainToDone calls Poll until it returns Done, discarding any further
// events, so state coalesced from buffered-but-not-yet-surfaced frames
// (e.g. a second PRIORITY_UPDATE behind one already reported) is settled
// before the test inspects it.
func drainToDone(t *testing.T, c *http3.Connection, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		_, _, err := c.Poll()
		if err != nil {
			if http3.IsDone(err) {
				return
			}
			t.Fatalf("Poll: %v", err)
		}
	}
}

func TestHandshakeOpensControlAndQpackStreams(t *testing.T) {
	_, _, ct, st := newPair(t, false)

	// Client's control (2) and QPACK streams (6, 10) must have reached the
	// server transport; server's (3, 7, 11) must have reached the client.
	for _, id := range []uint64{2, 6, 10} {
		if len(st.PeekIncoming(id)) == 0 {
			t.Errorf("server transport never received bytes on client stream %d", id)
		}
	}
	for _, id := range []uint64{3, 7, 11} {
		if len(ct.PeekIncoming(id)) == 0 {
			t.Errorf("client transport never received bytes on server stream %d", id)
		}
	}
}

func TestSimpleRequestResponseRoundTrip(t *testing.T) {
	client, server, _, _ := newPair(t, false)

	reqHeaders := []http3.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":path", Value: "/"}}
	id, err := client.SendRequest(reqHeaders, true)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if id != 0 {
		t.Fatalf("first client request stream = %d, want 0", id)
	}

	events := pollUntil(t, server, 2, 50)
	if len(events) != 2 {
		t.Fatalf("server saw %d events, want 2 (Headers, Finished): %+v", len(events), events)
	}
	if events[0].Kind != http3.EventHeaders || events[0].MoreFrames {
		t.Fatalf("server event 0 = %+v, want Headers with MoreFrames=false", events[0])
	}
	if events[1].Kind != http3.EventFinished {
		t.Fatalf("server event 1 = %+v, want Finished", events[1])
	}

	respHeaders := []http3.HeaderField{{Name: ":status", Value: "200"}}
	if err := server.SendResponse(id, respHeaders, true); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	clientEvents := pollUntil(t, client, 2, 50)
	if len(clientEvents) != 2 {
		t.Fatalf("client saw %d events, want 2 (Headers, Finished): %+v", len(clientEvents), clientEvents)
	}
	if clientEvents[0].Kind != http3.EventHeaders || clientEvents[0].MoreFrames {
		t.Fatalf("client event 0 = %+v, want Headers with MoreFrames=false", clientEvents[0])
	}
	if clientEvents[1].Kind != http3.EventFinished {
		t.Fatalf("client event 1 = %+v, want Finished", clientEvents[1])
	}
}

func TestBodyStreaming(t *testing.T) {
	client, server, _, _ := newPair(t, false)

	id, err := client.SendRequest([]http3.HeaderField{{Name: ":method", Value: "POST"}}, false)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	body := []byte("hello world")
	if n, err := client.SendBody(id, body, true); err != nil || n != len(body) {
		t.Fatalf("SendBody = (%d, %v), want (%d, nil)", n, err, len(body))
	}

	events := pollUntil(t, server, 3, 50)
	if len(events) != 3 {
		t.Fatalf("server saw %d events, want 3 (Headers, Data, Finished): %+v", len(events), events)
	}
	if events[0].Kind != http3.EventHeaders || !events[0].MoreFrames {
		t.Fatalf("event 0 = %+v, want Headers with MoreFrames=true", events[0])
	}
	if events[1].Kind != http3.EventData {
		t.Fatalf("event 1 = %+v, want Data", events[1])
	}
	got := make([]byte, len(body))
	n, err := server.RecvBody(id, got)
	if err != nil {
		t.Fatalf("RecvBody: %v", err)
	}
	if string(got[:n]) != string(body) {
		t.Fatalf("RecvBody = %q, want %q", got[:n], body)
	}
	if events[2].Kind != http3.EventFinished {
		t.Fatalf("event 2 = %+v, want Finished", events[2])
	}
}

func TestPeerGoAwayRejectsNewRequests(t *testing.T) {
	client, server, _, _ := newPair(t, false)

	if err := server.SendGoAway(0); err != nil {
		t.Fatalf("SendGoAway: %v", err)
	}
	events := pollUntil(t, client, 1, 50)
	if len(events) != 1 || events[0].Kind != http3.EventGoAway {
		t.Fatalf("client events = %+v, want one GoAway", events)
	}

	if _, err := client.SendRequest(nil, true); err == nil {
		t.Fatal("SendRequest after peer GOAWAY should fail")
	}
}

func TestPriorityUpdateRearmsAfterTake(t *testing.T) {
	client, server, _, _ := newPair(t, false)

	id, err := client.SendRequest([]http3.HeaderField{{Name: ":method", Value: "GET"}}, false)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if err := client.SendPriorityUpdateForRequest(id, 3, false); err != nil {
		t.Fatalf("SendPriorityUpdateForRequest: %v", err)
	}
	if err := client.SendPriorityUpdateForRequest(id, 5, false); err != nil {
		t.Fatalf("SendPriorityUpdateForRequest: %v", err)
	}

	events := pollUntil(t, server, 2, 50)
	var priEvents int
	for _, ev := range events {
		if ev.Kind == http3.EventPriorityUpdate {
			priEvents++
		}
	}
	if priEvents != 1 {
		t.Fatalf("got %d PriorityUpdate events before any take, want 1 (two updates coalesce)", priEvents)
	}
	drainToDone(t, server, 10)
	v, ok := server.TakeLastPriorityUpdate(id)
	if !ok || v != "u=5" {
		t.Fatalf("TakeLastPriorityUpdate = (%q, %v), want (u=5, true)", v, ok)
	}

	if err := client.SendPriorityUpdateForRequest(id, 7, false); err != nil {
		t.Fatalf("SendPriorityUpdateForRequest: %v", err)
	}
	events = pollUntil(t, server, 1, 50)
	if len(events) != 1 || events[0].Kind != http3.EventPriorityUpdate {
		t.Fatalf("events after re-arm = %+v, want one PriorityUpdate", events)
	}
	v, ok = server.TakeLastPriorityUpdate(id)
	if !ok || v != "u=7" {
		t.Fatalf("TakeLastPriorityUpdate = (%q, %v), want (u=7, true)", v, ok)
	}
}

func TestClosedCriticalStreamClosesConnection(t *testing.T) {
	client, server, ct, _ := newPair(t, false)
	_ = client

	// The client's control stream (id 2) closing is a protocol violation:
	// control streams must never close for the life of the connection.
	ct.ResetStream(2, http3.ErrNoError)

	_, _, err := server.Poll()
	if err == nil {
		t.Fatal("Poll should have returned an error for a reset critical stream")
	}
}

func TestStatsTrackRequestsAndHeaders(t *testing.T) {
	client, server, _, _ := newPair(t, false)

	id, err := client.SendRequest([]http3.HeaderField{{Name: ":method", Value: "GET"}}, true)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	pollUntil(t, server, 2, 50)
	if err := server.SendResponse(id, []http3.HeaderField{{Name: ":status", Value: "200"}}, true); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	pollUntil(t, client, 2, 50)

	cs := client.Stats()
	if cs.RequestsSent != 1 || cs.HeadersSent != 1 || cs.HeadersReceived != 1 {
		t.Fatalf("client stats = %+v, want RequestsSent=1 HeadersSent=1 HeadersReceived=1", cs)
	}
	ss := server.Stats()
	if ss.HeadersSent != 1 || ss.HeadersReceived != 1 {
		t.Fatalf("server stats = %+v, want HeadersSent=1 HeadersReceived=1", ss)
	}
}
