package worker

import (
	"encoding/json"
	"fmt"

	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/transport"
)

// Report types carried in Envelope.Type.
const (
	TypeIntermediate = "intermediate"
	TypeFinal        = "final"
)

// bytesPerSample bounds the JSON size of one latency sample: up to 19
// digits and a separator.
const bytesPerSample = 20

// Envelope is the transport message a worker publishes.
type Envelope struct {
	RunID    string       `json:"runId"`
	WorkerID string       `json:"workerId"`
	Type     string       `json:"type"`
	Fallback bool         `json:"fallback,omitempty"`
	Stats    stats.Report `json:"stats"`
}

// DecodeEnvelope parses a transport message body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.RunID == "" || (env.Type != TypeIntermediate && env.Type != TypeFinal) {
		return Envelope{}, fmt.Errorf("decode envelope: missing runId or unknown type %q", env.Type)
	}
	return env, nil
}

// encodeIntermediate encodes r as one or more intermediate envelopes no
// larger than max bytes. Retained entries are dropped first; if the samples
// alone still do not fit they are spread over several envelopes, the first
// of which carries the counters.
func encodeIntermediate(runID, workerID string, r stats.Report, max int) ([][]byte, error) {
	env := Envelope{RunID: runID, WorkerID: workerID, Type: TypeIntermediate, Stats: r}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(body) <= max {
		return [][]byte{body}, nil
	}

	env.Stats.Entries = nil
	if body, err = json.Marshal(env); err != nil {
		return nil, err
	}
	if len(body) <= max {
		return [][]byte{body}, nil
	}

	samples := r.Latencies
	env.Stats.Latencies = nil
	head, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	per := (max - len(head) - 64) / bytesPerSample
	if per < 1 {
		return nil, fmt.Errorf("%w: report counters alone take %d bytes", transport.ErrMessageTooLarge, len(head))
	}

	var out [][]byte
	for len(samples) > 0 {
		n := min(per, len(samples))
		env.Stats.Latencies = samples[:n]
		body, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		out = append(out, body)
		samples = samples[n:]
		env.Stats = stats.Report{Timestamp: r.Timestamp}
	}
	return out, nil
}

func encodeFinal(runID, workerID string, r stats.Report) ([]byte, error) {
	return json.Marshal(Envelope{RunID: runID, WorkerID: workerID, Type: TypeFinal, Stats: r.Stripped()})
}

func encodeFallback(runID, workerID string) ([]byte, error) {
	return json.Marshal(struct {
		RunID    string   `json:"runId"`
		WorkerID string   `json:"workerId"`
		Type     string   `json:"type"`
		Fallback bool     `json:"fallback"`
		Stats    struct{} `json:"stats"`
	}{RunID: runID, WorkerID: workerID, Type: TypeFinal, Fallback: true})
}
