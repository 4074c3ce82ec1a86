package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/token"
)

// DefaultMaxWireLength is the default UDP datagram size ceiling
// (PublisherSettings.maxWireLength / MAX_WIRE_LENGTH in loaderSettings.xml).
const DefaultMaxWireLength = 4096

// ChunkEnvelopeOverhead is the safety margin reserved for the JSON chunk
// envelope's own framing (field names, correlation id, quoting) so that
// a chunk's total serialized size, not just its chunkData payload,
// stays under MaxWireLength.
const ChunkEnvelopeOverhead = 150

// Chunk is one fragment of a chunked token packet, matching the wire
// chunk envelope in spec §6.
type Chunk struct {
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	CorrelationID string `json:"correlationId"`
	ServiceType   string `json:"serviceType"`
	OperationName string `json:"operationName"`
	ChunkData     string `json:"chunkData"`
}

// Config configures a Codec instance.
type Config struct {
	MaxWireLength int
	Compress      bool
	// ChunkTTL bounds how long a partial reassembly buffer is held
	// before SweepStale drops it (spec §7: chunk timeout -> drop
	// fragment set).
	ChunkTTL time.Duration
}

// DefaultConfig returns the spec's default codec settings.
func DefaultConfig() Config {
	return Config{
		MaxWireLength: DefaultMaxWireLength,
		Compress:      false,
		ChunkTTL:      30 * time.Second,
	}
}

type reassembly struct {
	total     int
	parts     map[int]string
	service   string
	operation string
	firstSeen time.Time
}

// Codec implements TokenCodec: marshal/unmarshal of token envelopes to
// the wire format, plus chunking for payloads that exceed the
// configured MaxWireLength and reassembly of received chunk sets.
type Codec struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*reassembly
}

// New returns a Codec configured per cfg.
func New(cfg Config) *Codec {
	if cfg.MaxWireLength == 0 {
		cfg.MaxWireLength = DefaultMaxWireLength
	}
	if cfg.ChunkTTL == 0 {
		cfg.ChunkTTL = 30 * time.Second
	}
	return &Codec{cfg: cfg, pending: make(map[string]*reassembly)}
}

// Marshal serializes an envelope and its business payload into wire
// bytes, gzip-compressing them when the codec is configured to do so.
func (c *Codec) Marshal(env *token.Envelope) ([]byte, error) {
	businessJSON, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, err
	}

	wire := toWire(env, businessJSON)
	raw, err := xml.Marshal(wire)
	if err != nil {
		return nil, err
	}

	if !c.cfg.Compress {
		return raw, nil
	}
	return gzipBytes(raw)
}

// Unmarshal parses wire bytes (transparently gunzipping if they carry a
// gzip header) back into a token envelope. A parse failure or a missing
// mandatory field both surface as errs.ErrMalformedToken.
func (c *Codec) Unmarshal(data []byte) (*token.Envelope, error) {
	if isGzip(data) {
		plain, err := gunzipBytes(data)
		if err != nil {
			return nil, errs.ErrMalformedToken
		}
		data = plain
	}

	var wire wirePayload
	if err := xml.Unmarshal(data, &wire); err != nil {
		return nil, errs.ErrMalformedToken
	}

	env, businessJSON, err := fromWire(wire)
	if err != nil {
		return nil, err
	}

	if len(businessJSON) > 0 {
		if err := json.Unmarshal(businessJSON, &env.Payload); err != nil {
			return nil, errs.ErrMalformedToken
		}
	}
	return env, nil
}

// Chunk splits wire bytes into datagram-sized chunk envelopes when they
// exceed MaxWireLength. If data already fits, Chunk returns a single
// un-split chunk (TotalChunks == 1) so callers can always route through
// the same send path. ErrChunkOverflow is returned if, even after
// splitting at the safety margin, a single fragment still cannot carry
// at least one byte of payload - a deploy-time configuration bug, not a
// runtime condition to retry around.
func (c *Codec) Chunk(data []byte, serviceType, operationName string) ([]Chunk, error) {
	if len(data) <= c.cfg.MaxWireLength {
		return []Chunk{{
			ChunkIndex:    0,
			TotalChunks:   1,
			CorrelationID: uuid.NewString(),
			ServiceType:   serviceType,
			OperationName: operationName,
			ChunkData:     base64.StdEncoding.EncodeToString(data),
		}}, nil
	}

	maxDataLen := c.cfg.MaxWireLength - ChunkEnvelopeOverhead
	if maxDataLen <= 0 {
		return nil, errs.ErrChunkOverflow
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	maxEncodedLen := (maxDataLen / 4) * 3 // base64 expands by 4/3
	if maxEncodedLen <= 0 {
		return nil, errs.ErrChunkOverflow
	}

	total := (len(encoded) + maxEncodedLen - 1) / maxEncodedLen
	if total == 0 {
		total = 1
	}

	correlationID := uuid.NewString()
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxEncodedLen
		end := start + maxEncodedLen
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, Chunk{
			ChunkIndex:    i,
			TotalChunks:   total,
			CorrelationID: correlationID,
			ServiceType:   serviceType,
			OperationName: operationName,
			ChunkData:     encoded[start:end],
		})
	}
	return chunks, nil
}

// EncodeChunk JSON-serializes a single chunk envelope for transmission.
func EncodeChunk(c Chunk) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeChunk parses a received datagram as a chunk envelope.
func DecodeChunk(data []byte) (Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, errs.ErrMalformedToken
	}
	return c, nil
}

// Reassemble feeds a received chunk into its correlationId's reassembly
// buffer. Once all fragments for that correlationId have arrived, it
// decodes and unmarshals the combined payload and returns the envelope
// with complete=true, clearing the buffer. Until then it returns
// complete=false with no error.
func (c *Codec) Reassemble(chunk Chunk, receivedAt time.Time) (env *token.Envelope, complete bool, err error) {
	if chunk.TotalChunks <= 1 {
		raw, decErr := base64.StdEncoding.DecodeString(chunk.ChunkData)
		if decErr != nil {
			return nil, false, errs.ErrMalformedToken
		}
		env, err = c.Unmarshal(raw)
		return env, true, err
	}

	c.mu.Lock()
	buf, ok := c.pending[chunk.CorrelationID]
	if !ok {
		buf = &reassembly{
			total:     chunk.TotalChunks,
			parts:     make(map[int]string),
			service:   chunk.ServiceType,
			operation: chunk.OperationName,
			firstSeen: receivedAt,
		}
		c.pending[chunk.CorrelationID] = buf
	}
	buf.parts[chunk.ChunkIndex] = chunk.ChunkData
	isComplete := len(buf.parts) == buf.total
	if isComplete {
		delete(c.pending, chunk.CorrelationID)
	}
	c.mu.Unlock()

	if !isComplete {
		return nil, false, nil
	}

	var encoded bytes.Buffer
	for i := 0; i < buf.total; i++ {
		part, have := buf.parts[i]
		if !have {
			return nil, false, errs.ErrMalformedToken
		}
		encoded.WriteString(part)
	}
	raw, decErr := base64.StdEncoding.DecodeString(encoded.String())
	if decErr != nil {
		return nil, false, errs.ErrMalformedToken
	}
	env, err = c.Unmarshal(raw)
	return env, true, err
}

// SweepStale drops any reassembly buffer older than ChunkTTL, returning
// the correlation ids dropped so the caller can log a chunk-timeout
// event per fragment set, per spec §7.
func (c *Codec) SweepStale(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []string
	for id, buf := range c.pending {
		if now.Sub(buf.firstSeen) > c.cfg.ChunkTTL {
			dropped = append(dropped, id)
			delete(c.pending, id)
		}
	}
	return dropped
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
