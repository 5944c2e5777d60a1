package pipeline

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestProcessedContentBytes(t *testing.T) {
	t.Run("StreamMaterializesOnce", func(t *testing.T) {
		content := NewStream(ContentTypeJSON, strings.NewReader(`{"a":1}`))
		first, err := content.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		second, err := content.Bytes()
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, second) {
			t.Error("repeated Bytes calls disagree")
		}
	})

	t.Run("StreamFlagClearsAfterMaterializing", func(t *testing.T) {
		content := NewStream(ContentTypeJSON, strings.NewReader(`{}`))
		if !content.IsStream() {
			t.Fatal("fresh stream content does not report IsStream")
		}
		if _, err := content.Bytes(); err != nil {
			t.Fatal(err)
		}
		if content.IsStream() {
			t.Error("materialized content still reports IsStream")
		}
	})
}

func TestDecompressIfNeeded(t *testing.T) {
	record := []byte(`{"email":"a@b.com"}` + "\n")

	t.Run("GzipEncodedBody", func(t *testing.T) {
		content := NewBytes(ContentTypeJSON, gzipBytes(t, record))
		content.ContentEncoding = ContentEncodingGzip

		out, err := content.DecompressIfNeeded()
		if err != nil {
			t.Fatalf("Failed to decompress: %v", err)
		}
		body, err := io.ReadAll(out.Stream())
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(body, record) {
			t.Errorf("decompressed %q, want %q", body, record)
		}
		if out.ContentEncoding != "" {
			t.Error("encoding survived decompression")
		}
	})

	t.Run("GzipFileBecomesNDJSON", func(t *testing.T) {
		content := NewBytes(ContentTypeGzip, gzipBytes(t, record))
		out, err := content.DecompressIfNeeded()
		if err != nil {
			t.Fatalf("Failed to decompress: %v", err)
		}
		if out.ContentType != ContentTypeNDJSON {
			t.Errorf("content type %q, want %q", out.ContentType, ContentTypeNDJSON)
		}
	})

	t.Run("PlainBodyPassesThrough", func(t *testing.T) {
		content := NewBytes(ContentTypeJSON, record)
		out, err := content.DecompressIfNeeded()
		if err != nil {
			t.Fatal(err)
		}
		if out != content {
			t.Error("plain body was rewrapped")
		}
	})

	t.Run("UnknownEncodingRejected", func(t *testing.T) {
		content := NewBytes(ContentTypeJSON, record)
		content.ContentEncoding = "br"
		if _, err := content.DecompressIfNeeded(); err == nil {
			t.Error("unknown encoding accepted")
		}
	})
}

func TestProcessingContext(t *testing.T) {
	received := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("OutputKeysAreDated", func(t *testing.T) {
		pctx := NewProcessingContext(received)
		if pctx.RequestID == "" {
			t.Fatal("missing request id")
		}
		wantRaw := "raw/2026/03/14/" + pctx.RequestID + ".json"
		if pctx.RawOutputKey != wantRaw {
			t.Errorf("raw key %q, want %q", pctx.RawOutputKey, wantRaw)
		}
		if !strings.HasPrefix(pctx.SanitizedOutputKey, "sanitized/2026/03/14/") {
			t.Errorf("sanitized key %q lacks dated prefix", pctx.SanitizedOutputKey)
		}
	})

	t.Run("ExternalIDFlowsIntoOutputKeys", func(t *testing.T) {
		pctx := NewProcessingContextWithID("req-abc123", received)
		if pctx.RequestID != "req-abc123" {
			t.Errorf("request id %q, want req-abc123", pctx.RequestID)
		}
		if pctx.RawOutputKey != "raw/2026/03/14/req-abc123.json" {
			t.Errorf("raw key %q does not embed the assigned id", pctx.RawOutputKey)
		}
		if pctx.SanitizedOutputKey != "sanitized/2026/03/14/req-abc123.json" {
			t.Errorf("sanitized key %q does not embed the assigned id", pctx.SanitizedOutputKey)
		}
	})

	t.Run("AsAsyncJoinsLocationBase", func(t *testing.T) {
		pctx := NewProcessingContext(received)
		async := pctx.AsAsync("s3://bucket/outputs/")
		if !async.Async {
			t.Error("async flag not set")
		}
		want := "s3://bucket/outputs/" + pctx.SanitizedOutputKey
		if async.AsyncOutputLocation != want {
			t.Errorf("location %q, want %q", async.AsyncOutputLocation, want)
		}
		if pctx.Async {
			t.Error("original context was mutated")
		}
	})

	t.Run("AsAsyncWithoutBaseUsesBareKey", func(t *testing.T) {
		pctx := NewProcessingContext(received)
		async := pctx.AsAsync("")
		if async.AsyncOutputLocation != pctx.SanitizedOutputKey {
			t.Errorf("location %q, want %q", async.AsyncOutputLocation, pctx.SanitizedOutputKey)
		}
	})
}

func TestRequestDescriptionHeader(t *testing.T) {
	req := RequestDescription{Headers: map[string][]string{
		"Content-Type": {"application/json"},
	}}
	if req.Header("content-type") != "application/json" {
		t.Error("header lookup is case-sensitive")
	}
	if req.Header("Accept") != "" {
		t.Error("absent header did not return empty")
	}
}
