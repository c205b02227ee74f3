package outbound

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
)

// Rough envelope framing costs used for the batch size cap. Exact byte
// accounting is not worth the extra marshal pass.
const (
	batchOverheadBytes      = 32
	perMessageOverheadBytes = 24
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type batchEnvelope struct {
	Type     string        `json:"type"`
	Messages []wireMessage `json:"messages"`
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))

// sendEnvelope serializes the messages and hands them to the transport. A
// single message goes out bare; multiple messages are wrapped in a batch
// envelope. Oversized envelopes are zstd-compressed when configured.
// Transport errors are the broadcast layer's problem and are ignored here.
func (o *Optimizer) sendEnvelope(clientID string, messages []queuedMessage) {
	if o.transport == nil || len(messages) == 0 {
		return
	}

	var data []byte
	var err error
	if len(messages) == 1 {
		data, err = json.Marshal(wireMessage{Type: messages[0].msgType, Data: messages[0].data})
	} else {
		wire := make([]wireMessage, len(messages))
		for i, msg := range messages {
			wire[i] = wireMessage{Type: msg.msgType, Data: msg.data}
		}
		data, err = json.Marshal(batchEnvelope{Type: "batch", Messages: wire})
	}
	if err != nil {
		o.mu.Lock()
		o.encodeFailures++
		o.mu.Unlock()
		return
	}

	compressed := false
	if o.cfg.CompressMinBytes > 0 && len(data) >= o.cfg.CompressMinBytes {
		data = zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		compressed = true
	}

	o.mu.Lock()
	o.batchesSent++
	if compressed {
		o.compressed++
	}
	o.mu.Unlock()

	_ = o.transport.Deliver(clientID, data, compressed)
}
