package worker

import (
	"encoding/json"
	"testing"
)

func TestWorker_CompressionStreamRoundTripsThroughGzip(t *testing.T) {
	w := newTestWorker(t, `
addEventListener('fetch', function(event) {
	event.respondWith((async function() {
		async function readAll(readable) {
			var reader = readable.getReader();
			var chunks = [];
			var total = 0;
			for (;;) {
				var r = await reader.read();
				if (r.done) break;
				chunks.push(r.value);
				total += r.value.byteLength;
			}
			var out = new Uint8Array(total);
			var off = 0;
			chunks.forEach(function(c) { out.set(c, off); off += c.byteLength; });
			return out;
		}

		var original = 'The quick brown fox jumps over the lazy dog. '.repeat(50);

		var cs = new CompressionStream('gzip');
		var csWriter = cs.writable.getWriter();
		csWriter.write(new TextEncoder().encode(original));
		csWriter.close();
		var compressed = await readAll(cs.readable);

		var ds = new DecompressionStream('gzip');
		var dsWriter = ds.writable.getWriter();
		dsWriter.write(compressed);
		dsWriter.close();
		var decompressed = await readAll(ds.readable);

		var decompressedText = new TextDecoder().decode(decompressed);

		return new Response(JSON.stringify({
			roundTripOK: decompressedText === original,
			compressedSmaller: compressed.byteLength < original.length,
		}));
	})());
});
`)

	resp, err := doFetch(t, w, HttpRequest{Method: "GET", URL: "http://example.com/"})
	if err != nil {
		t.Fatalf("doFetch: %v", err)
	}

	var result struct {
		RoundTripOK       bool `json:"roundTripOK"`
		CompressedSmaller bool `json:"compressedSmaller"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		t.Fatalf("unmarshal %q: %v", resp.Body, err)
	}
	if !result.RoundTripOK {
		t.Error("gzip round trip did not reproduce the original text")
	}
	if !result.CompressedSmaller {
		t.Error("expected the compressed form of a 50x-repeated sentence to be smaller")
	}
}
