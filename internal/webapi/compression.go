package webapi

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/andybalholm/brotli"
	v8 "github.com/tommie/v8go"
)

// maxDecompressedSize bounds how much output a single decompress call will
// produce, guarding against a worker feeding itself a compression bomb.
const maxDecompressedSize = 128 * 1024 * 1024

// compressStreamState is the Go-side state for one streaming compressor or
// decompressor backing a CompressionStream/DecompressionStream instance. For
// compression the writer writes compressed chunks into buf. For
// decompression an io.Pipe feeds a background goroutine running the
// decompressor, which accumulates decompressed output incrementally.
type compressStreamState struct {
	writer io.WriteCloser
	buf    bytes.Buffer

	decompPW   *io.PipeWriter
	decompMu   sync.Mutex
	decompOut  bytes.Buffer
	decompErr  error
	decompDone chan struct{}
}

// compressionStreams tracks the streaming compressors live for one worker
// isolate. A worker handles one task at a time, so a single map scoped to
// the installer call is enough; the runtime this is adapted from keys the
// same state by concurrent request id because it serves many requests on
// one isolate at once.
type compressionStreams struct {
	mu      sync.Mutex
	streams map[string]*compressStreamState
	nextID  int64
}

// compressionJS implements CompressionStream and DecompressionStream,
// adapted from the runtime's own internal/webapi/compression.go with the
// requestID indirection dropped: one worker, one isolate, one set of live
// streams.
const compressionJS = `
(function() {

function __chunkToUint8Array(chunk) {
	if (typeof chunk === 'string') {
		return new TextEncoder().encode(chunk);
	} else if (chunk instanceof ArrayBuffer) {
		return new Uint8Array(chunk);
	} else if (ArrayBuffer.isView(chunk)) {
		return new Uint8Array(chunk.buffer, chunk.byteOffset, chunk.byteLength);
	} else {
		return new TextEncoder().encode(String(chunk));
	}
}

class CompressionStream {
	constructor(format) {
		if (format !== 'gzip' && format !== 'deflate' && format !== 'deflate-raw' && format !== 'br') {
			throw new TypeError('Unsupported compression format: ' + format);
		}
		var streamID = __compressInit(format);
		var ts = new TransformStream({
			transform(chunk, controller) {
				var data = __chunkToUint8Array(chunk);
				var resultB64 = __compressChunk(streamID, __bufferSourceToB64(data));
				if (resultB64.length > 0) controller.enqueue(new Uint8Array(__b64ToBuffer(resultB64)));
			},
			flush(controller) {
				var resultB64 = __compressFlush(streamID);
				if (resultB64.length > 0) controller.enqueue(new Uint8Array(__b64ToBuffer(resultB64)));
			}
		});
		this.readable = ts.readable;
		this.writable = ts.writable;
	}
}

class DecompressionStream {
	constructor(format) {
		if (format !== 'gzip' && format !== 'deflate' && format !== 'deflate-raw' && format !== 'br') {
			throw new TypeError('Unsupported compression format: ' + format);
		}
		var streamID = __decompressInit(format);
		var ts = new TransformStream({
			transform(chunk, controller) {
				var data = __chunkToUint8Array(chunk);
				var resultB64 = __decompressChunk(streamID, __bufferSourceToB64(data));
				if (resultB64.length > 0) controller.enqueue(new Uint8Array(__b64ToBuffer(resultB64)));
			},
			flush(controller) {
				var resultB64 = __decompressFlush(streamID);
				if (resultB64.length > 0) controller.enqueue(new Uint8Array(__b64ToBuffer(resultB64)));
			}
		});
		this.readable = ts.readable;
		this.writable = ts.writable;
	}
}

globalThis.CompressionStream = CompressionStream;
globalThis.DecompressionStream = DecompressionStream;

})();
`

func throwTypeError(iso *v8.Isolate, msg string) *v8.Value {
	v, _ := v8.NewValue(iso, msg)
	iso.ThrowException(v)
	return nil
}

func newCompressWriter(buf *bytes.Buffer, format string) (io.WriteCloser, error) {
	switch format {
	case "gzip":
		return gzip.NewWriter(buf), nil
	case "deflate", "deflate-raw":
		return flate.NewWriter(buf, flate.DefaultCompression)
	case "br":
		return brotli.NewWriter(buf), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// InstallCompression registers the Go-backed streaming compress/decompress
// ops and evaluates the CompressionStream/DecompressionStream classes. Must
// run after InstallStreams, InstallEncoding, and InstallBinaryHelpers
// (TransformStream, TextEncoder, __bufferSourceToB64/__b64ToBuffer).
func InstallCompression(iso *v8.Isolate, ctx *v8.Context) error {
	cs := &compressionStreams{streams: make(map[string]*compressStreamState)}

	strFn := func(name string, fn func(args []*v8.Value) (string, error)) error {
		ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			result, err := fn(info.Args())
			if err != nil {
				return throwTypeError(iso, fmt.Sprintf("%s: %s", name, err))
			}
			v, _ := v8.NewValue(iso, result)
			return v
		})
		return ctx.Global().Set(name, ft.GetFunction(ctx))
	}

	if err := strFn("__compressInit", func(args []*v8.Value) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("missing format")
		}
		format := args[0].String()
		ss := &compressStreamState{}
		w, err := newCompressWriter(&ss.buf, format)
		if err != nil {
			return "", err
		}
		ss.writer = w

		cs.mu.Lock()
		cs.nextID++
		id := strconv.FormatInt(cs.nextID, 10)
		cs.streams[id] = ss
		cs.mu.Unlock()
		return id, nil
	}); err != nil {
		return err
	}

	if err := strFn("__compressChunk", func(args []*v8.Value) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("missing arguments")
		}
		ss, err := cs.lookup(args[0].String())
		if err != nil {
			return "", err
		}
		data, err := base64.StdEncoding.DecodeString(args[1].String())
		if err != nil {
			return "", fmt.Errorf("invalid base64")
		}
		ss.buf.Reset()
		if _, err := ss.writer.Write(data); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(ss.buf.Bytes()), nil
	}); err != nil {
		return err
	}

	if err := strFn("__compressFlush", func(args []*v8.Value) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("missing stream id")
		}
		ss, err := cs.remove(args[0].String())
		if err != nil {
			return "", err
		}
		ss.buf.Reset()
		if err := ss.writer.Close(); err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(ss.buf.Bytes()), nil
	}); err != nil {
		return err
	}

	if err := strFn("__decompressInit", func(args []*v8.Value) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("missing format")
		}
		format := args[0].String()
		pr, pw := io.Pipe()
		ss := &compressStreamState{decompPW: pw, decompDone: make(chan struct{})}

		go func() {
			defer close(ss.decompDone)
			defer pr.Close()

			var reader io.ReadCloser
			switch format {
			case "gzip":
				r, err := gzip.NewReader(pr)
				if err != nil {
					ss.decompMu.Lock()
					ss.decompErr = err
					ss.decompMu.Unlock()
					return
				}
				reader = r
			case "deflate", "deflate-raw":
				reader = flate.NewReader(pr)
			case "br":
				reader = io.NopCloser(brotli.NewReader(pr))
			default:
				ss.decompMu.Lock()
				ss.decompErr = fmt.Errorf("unsupported format %q", format)
				ss.decompMu.Unlock()
				return
			}
			defer reader.Close()

			buf := make([]byte, 32*1024)
			total := 0
			for {
				n, err := reader.Read(buf)
				if n > 0 {
					total += n
					ss.decompMu.Lock()
					if total > maxDecompressedSize {
						ss.decompErr = fmt.Errorf("decompressed output exceeds maximum allowed size")
						ss.decompMu.Unlock()
						return
					}
					ss.decompOut.Write(buf[:n])
					ss.decompMu.Unlock()
				}
				if err != nil {
					if err != io.EOF {
						ss.decompMu.Lock()
						ss.decompErr = err
						ss.decompMu.Unlock()
					}
					return
				}
			}
		}()

		cs.mu.Lock()
		cs.nextID++
		id := strconv.FormatInt(cs.nextID, 10)
		cs.streams[id] = ss
		cs.mu.Unlock()
		return id, nil
	}); err != nil {
		return err
	}

	if err := strFn("__decompressChunk", func(args []*v8.Value) (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("missing arguments")
		}
		ss, err := cs.lookup(args[0].String())
		if err != nil {
			return "", err
		}
		data, err := base64.StdEncoding.DecodeString(args[1].String())
		if err != nil {
			return "", fmt.Errorf("invalid base64")
		}

		errCh := make(chan error, 1)
		go func() {
			_, werr := ss.decompPW.Write(data)
			errCh <- werr
		}()
		if werr := <-errCh; werr != nil {
			return "", werr
		}

		ss.decompMu.Lock()
		out := make([]byte, ss.decompOut.Len())
		copy(out, ss.decompOut.Bytes())
		ss.decompOut.Reset()
		derr := ss.decompErr
		ss.decompMu.Unlock()
		if derr != nil {
			return "", derr
		}
		return base64.StdEncoding.EncodeToString(out), nil
	}); err != nil {
		return err
	}

	if err := strFn("__decompressFlush", func(args []*v8.Value) (string, error) {
		if len(args) < 1 {
			return "", fmt.Errorf("missing stream id")
		}
		ss, err := cs.remove(args[0].String())
		if err != nil {
			return "", err
		}
		ss.decompPW.Close()
		<-ss.decompDone

		ss.decompMu.Lock()
		out := make([]byte, ss.decompOut.Len())
		copy(out, ss.decompOut.Bytes())
		ss.decompOut.Reset()
		derr := ss.decompErr
		ss.decompMu.Unlock()
		if derr != nil {
			return "", derr
		}
		return base64.StdEncoding.EncodeToString(out), nil
	}); err != nil {
		return err
	}

	_, err := ctx.RunScript(compressionJS, "webapi_compression.js")
	return err
}

func (cs *compressionStreams) lookup(id string) (*compressStreamState, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ss, ok := cs.streams[id]
	if !ok {
		return nil, fmt.Errorf("unknown stream")
	}
	return ss, nil
}

func (cs *compressionStreams) remove(id string) (*compressStreamState, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ss, ok := cs.streams[id]
	if !ok {
		return nil, fmt.Errorf("unknown stream")
	}
	delete(cs.streams, id)
	return ss, nil
}
