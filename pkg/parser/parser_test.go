package parser

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/raycarroll/mcu-mender-agent/pkg/taxonomy"
)

func header(name string, size int64) []byte {
	b := make([]byte, blockSize)
	copy(b[0:100], name)
	copy(b[124:136], fmt.Sprintf("%011o", size))
	copy(b[257:263], "ustar\x00")
	return b
}

func padTo512(body []byte) []byte {
	rem := len(body) % blockSize
	if rem == 0 {
		return body
	}
	return append(body, make([]byte, blockSize-rem)...)
}

func entry(name string, body []byte) []byte {
	out := header(name, int64(len(body)))
	return append(out, padTo512(body)...)
}

var endMarker = make([]byte, 2*blockSize)

// buildArtifact assembles a minimal valid tar-of-tars artifact with one
// rootfs-image payload, so tests exercise the real nesting and un-nesting
// code paths rather than a synthetic shortcut.
func buildArtifact(version string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write(entry("version", []byte(version)))
	buf.Write(header("header.tar", 0))
	buf.Write(entry("header-info", []byte(`{"payloads":[{"type":"rootfs-image"}]}`)))
	buf.Write(entry("headers/0000/meta-data", []byte(`{"rootfs_image_checksum":"abc123"}`)))
	buf.Write(endMarker)
	buf.Write(header("data/0000.tar", 0))
	buf.Write(entry("rootfs.img", payload))
	buf.Write(endMarker)
	buf.Write(endMarker)
	return buf.Bytes()
}

type recordedEvent struct {
	Type     string
	Filename string
	HasFile  bool
	Size     int64
	Offset   int64
	Length   int64
	Chunk    []byte
	MetaData string
}

func recorder() (PayloadCallback, *[]recordedEvent) {
	events := make([]recordedEvent, 0)
	cb := func(ev PayloadEvent) taxonomy.Result {
		meta := fmt.Sprintf("%v", ev.MetaData)
		events = append(events, recordedEvent{
			Type:     ev.Type,
			Filename: ev.Filename,
			HasFile:  ev.HasFile,
			Size:     ev.Size,
			Offset:   ev.Offset,
			Length:   ev.Length,
			Chunk:    append([]byte(nil), ev.Chunk...),
			MetaData: meta,
		})
		return taxonomy.Ok
	}
	return cb, &events
}

func feedWhole(t *testing.T, data []byte) []recordedEvent {
	t.Helper()
	cb, events := recorder()
	p := New(cb)
	res, err := p.Feed(data)
	if err != nil {
		t.Fatalf("feed whole: %v", err)
	}
	if res != taxonomy.Done {
		t.Fatalf("feed whole: expected Done, got %v", res)
	}
	return *events
}

func feedChunked(t *testing.T, data []byte, sizes []int) []recordedEvent {
	t.Helper()
	cb, events := recorder()
	p := New(cb)

	off := 0
	sizeIdx := 0
	var finalRes taxonomy.Result
	for off < len(data) {
		n := sizes[sizeIdx%len(sizes)]
		sizeIdx++
		if off+n > len(data) {
			n = len(data) - off
		}
		res, err := p.Feed(data[off : off+n])
		if err != nil {
			t.Fatalf("feed chunk at %d: %v", off, err)
		}
		off += n
		finalRes = res

		if len(p.Context().Buf) >= 2*blockSize {
			t.Fatalf("bounded-buffering invariant violated: %d bytes buffered after Feed return", len(p.Context().Buf))
		}
	}
	if finalRes != taxonomy.Done {
		t.Fatalf("feed chunked: expected Done, got %v", finalRes)
	}
	return *events
}

func TestStreamingEquivalence(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1234)
	artifact := buildArtifact(`{"format":"mender","version":3}`, payload)

	whole := feedWhole(t, artifact)
	// Torn-chunk pattern per the "any Feed split must reproduce identical
	// callback sequences" invariant: alternating 1-byte and 511-byte feeds
	// deliberately split every header and body block across calls.
	torn := feedChunked(t, artifact, []int{1, 511})

	if len(whole) != len(torn) {
		t.Fatalf("event count mismatch: whole=%d torn=%d", len(whole), len(torn))
	}
	for i := range whole {
		w, tr := whole[i], torn[i]
		if w.Type != tr.Type || w.Filename != tr.Filename || w.HasFile != tr.HasFile ||
			w.Size != tr.Size || w.Offset != tr.Offset || w.Length != tr.Length ||
			w.MetaData != tr.MetaData || !bytes.Equal(w.Chunk, tr.Chunk) {
			t.Fatalf("event %d mismatch: whole=%+v torn=%+v", i, w, tr)
		}
	}
}

func TestBlockAlignmentAndContainment(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1500)
	artifact := buildArtifact(`{"format":"mender","version":3}`, payload)
	events := feedWhole(t, artifact)

	var begin, chunks int
	var reconstructed bytes.Buffer
	for _, ev := range events {
		if !ev.HasFile {
			begin++
			if ev.Type != "rootfs-image" {
				t.Fatalf("begin event has wrong type: %s", ev.Type)
			}
			continue
		}
		chunks++
		if ev.Type != "rootfs-image" {
			t.Fatalf("chunk event has wrong type: %s", ev.Type)
		}
		if ev.Length > blockSize {
			t.Fatalf("chunk exceeds block size: %d", ev.Length)
		}
		if ev.Offset+ev.Length != ev.Size && ev.Length != blockSize {
			t.Fatalf("non-final chunk not block-aligned: offset=%d length=%d size=%d", ev.Offset, ev.Length, ev.Size)
		}
		reconstructed.Write(ev.Chunk)
	}
	if begin != 1 {
		t.Fatalf("expected exactly one begin event, got %d", begin)
	}
	if chunks == 0 {
		t.Fatal("expected at least one payload chunk event")
	}
	if !bytes.Equal(reconstructed.Bytes(), payload) {
		t.Fatal("reconstructed payload does not match source bytes")
	}
}

func TestBeginEventEmittedForEmptyBundle(t *testing.T) {
	artifact := buildArtifact(`{"format":"mender","version":3}`, nil)
	events := feedWhole(t, artifact)
	if len(events) != 1 {
		t.Fatalf("expected exactly one (begin-only) event for an empty bundle, got %d", len(events))
	}
	if events[0].HasFile {
		t.Fatal("expected the sole event to be the begin no-op")
	}
}

func TestVersionDocumentRejected(t *testing.T) {
	artifact := buildArtifact(`{"format":"mender","version":2}`, []byte("payload"))
	cb, _ := recorder()
	p := New(cb)
	_, err := p.Feed(artifact)
	if err == nil {
		t.Fatal("expected an error for an unsupported version document")
	}
	res, err := p.Feed(nil)
	if res != taxonomy.Fail || err == nil {
		t.Fatalf("expected the parser to stay failed on subsequent feeds, got res=%v err=%v", res, err)
	}
}

func TestPayloadCallbackFailureAbortsParse(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, 600)
	artifact := buildArtifact(`{"format":"mender","version":3}`, payload)

	calls := 0
	p := New(func(ev PayloadEvent) taxonomy.Result {
		if ev.HasFile {
			calls++
			if calls == 1 {
				return taxonomy.Fail
			}
		}
		return taxonomy.Ok
	})
	_, err := p.Feed(artifact)
	if err == nil {
		t.Fatal("expected the parse to abort when a payload callback fails")
	}
}
