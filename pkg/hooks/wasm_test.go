package hooks

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/unibuild/unibuild/pkg/engine"
)

// wasiEchoModule assembles a minimal WASI command whose _start writes
// output to stdout with a single fd_write call. output must be short
// enough for every section to fit a one-byte length.
func wasiEchoModule(output string) []byte {
	section := func(id byte, content []byte) []byte {
		return append([]byte{id, byte(len(content))}, content...)
	}
	name := func(s string) []byte {
		return append([]byte{byte(len(s))}, s...)
	}

	var m []byte
	m = append(m, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)

	// (i32 i32 i32 i32) -> i32 for fd_write, () -> () for _start.
	m = append(m, section(0x01, []byte{
		0x02,
		0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
		0x60, 0x00, 0x00,
	})...)

	imports := []byte{0x01}
	imports = append(imports, name("wasi_snapshot_preview1")...)
	imports = append(imports, name("fd_write")...)
	imports = append(imports, 0x00, 0x00)
	m = append(m, section(0x02, imports)...)

	m = append(m, section(0x03, []byte{0x01, 0x01})...)
	m = append(m, section(0x05, []byte{0x01, 0x00, 0x01})...)

	exports := []byte{0x02}
	exports = append(exports, name("memory")...)
	exports = append(exports, 0x02, 0x00)
	exports = append(exports, name("_start")...)
	exports = append(exports, 0x00, 0x01)
	m = append(m, section(0x07, exports)...)

	// fd_write(1, iovs=0, iovs_len=1, nwritten=100); drop.
	body := []byte{
		0x00,
		0x41, 0x01,
		0x41, 0x00,
		0x41, 0x01,
		0x41, 0xe4, 0x00,
		0x10, 0x00,
		0x1a,
		0x0b,
	}
	code := append([]byte{0x01, byte(len(body))}, body...)
	m = append(m, section(0x0a, code)...)

	// The iovec at offset 0 points at the payload at offset 8.
	payload := make([]byte, 8, 8+len(output))
	binary.LittleEndian.PutUint32(payload[0:4], 8)
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(output)))
	payload = append(payload, output...)

	data := []byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(payload))}
	data = append(data, payload...)
	m = append(m, section(0x0b, data)...)

	return m
}

func TestWASMHandler(t *testing.T) {
	ctx := context.Background()

	h, err := NewWASMHandler(ctx, "veto", wasiEchoModule(`{"skip":true,"reason":"wasm veto"}`))
	if err != nil {
		t.Fatalf("NewWASMHandler failed: %v", err)
	}
	defer h.Close(ctx)

	hc := NewHookContext(PhasePre, engine.Project{ID: "lib", Language: engine.LanguageRust})
	for i := 0; i < 2; i++ {
		out, err := h.Run(ctx, hc, encode(t, hc))
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		resp, _, _, err := parseResponse(out)
		if err != nil {
			t.Fatalf("bad response %q: %v", out, err)
		}
		if !resp.Skip || resp.Reason != "wasm veto" {
			t.Errorf("run %d: response = %+v", i, resp)
		}
	}
}

func TestWASMHandler_InDispatcher(t *testing.T) {
	ctx := context.Background()
	h, err := NewWASMHandler(ctx, "broken", wasiEchoModule(`{"skip":`))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close(ctx)

	d := NewDispatcher(Options{}, testLogger())
	d.Register(PhasePre, h, 0)

	decision := d.Pre(ctx, engine.Project{ID: "lib", Language: engine.LanguageRust})
	if decision.Skip || len(decision.Warnings) != 1 {
		t.Errorf("decision = %+v", decision)
	}
}

func TestNewWASMHandler_Invalid(t *testing.T) {
	if _, err := NewWASMHandler(context.Background(), "bad", []byte("not wasm")); err == nil {
		t.Error("expected compile error")
	}
}
