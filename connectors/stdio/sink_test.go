package stdio_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"reduction.dev/chunkcdc/connectors/stdio"
	"reduction.dev/chunkcdc/keys"
	"reduction.dev/chunkcdc/splits"
)

func TestSink_WritesJSONLines(t *testing.T) {
	var out bytes.Buffer
	sink := stdio.NewSink(stdio.SinkConfig{Writer: &out})

	require.NoError(t, sink.Emit(t.Context(), splits.Record{
		Table: "orders",
		Key:   keys.Int(7),
		Op:    splits.OpUpsert,
		Value: []byte(`{"id":7,"total":12.5}`),
		Phase: splits.PhaseSnapshot,
	}))
	require.NoError(t, sink.Emit(t.Context(), splits.Record{
		Table:    "orders",
		Key:      keys.String("a b"),
		Op:       splits.OpUpsert,
		Value:    []byte("plain text"),
		Position: 9,
		Phase:    splits.PhaseStream,
	}))
	require.NoError(t, sink.Emit(t.Context(), splits.Record{
		Table:    "orders",
		Key:      keys.Int(7),
		Op:       splits.OpDelete,
		Position: 10,
		Phase:    splits.PhaseStream,
	}))
	require.NoError(t, sink.Flush())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"table":"orders","key":7,"op":"upsert","value":{"id":7,"total":12.5},"position":0,"phase":"snapshot"}`, lines[0])
	assert.JSONEq(t, `{"table":"orders","key":"a b","op":"upsert","value":"plain text","position":9,"phase":"stream"}`, lines[1])
	assert.JSONEq(t, `{"table":"orders","key":7,"op":"delete","value":null,"position":10,"phase":"stream"}`, lines[2])
}

func TestSink_ConcurrentEmitsKeepLinesWhole(t *testing.T) {
	var out bytes.Buffer
	sink := stdio.NewSink(stdio.SinkConfig{Writer: &out})

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			for i := range 100 {
				_ = sink.Emit(t.Context(), splits.Record{Table: "t", Key: keys.Int(int64(w*1000 + i)), Value: []byte("v")})
			}
		})
	}
	wg.Wait()
	require.NoError(t, sink.Flush())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 800)
	for _, line := range lines {
		assert.True(t, json.Valid([]byte(line)), line)
	}
}
