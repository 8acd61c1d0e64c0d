package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/config"
	"github.com/nidhogg/nuka-swarm/internal/pipeline"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// HTTP delegates a phase to a plugin endpoint. The plugin receives the phase
// input as JSON and answers with a pipeline.Output. Network errors, 429 and
// 5xx responses are transient; any other non-2xx answer is permanent.
type HTTP struct {
	phase    pipeline.Phase
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTP creates a plugin client for one phase.
func NewHTTP(phase pipeline.Phase, endpoint string, timeout time.Duration, logger *zap.Logger) *HTTP {
	return &HTTP{
		phase:    phase,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type httpRequest struct {
	Phase pipeline.Phase `json:"phase"`
	Depth pipeline.Depth `json:"depth"`
	Input pipeline.Input `json:"input"`
}

func (h *HTTP) Run(ctx context.Context, in pipeline.Input, depth pipeline.Depth) (pipeline.Output, error) {
	body, err := json.Marshal(httpRequest{Phase: h.phase, Depth: depth, Input: in})
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("%s producer: marshal input: %w", h.phase, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("%s producer: %w", h.phase, err)
	}
	req.Header.Set("Content-Type", "application/json")

	h.logger.Debug("calling producer plugin",
		zap.String("phase", string(h.phase)),
		zap.String("pipeline", in.PipelineID),
		zap.String("endpoint", h.endpoint))

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Output{}, ctx.Err()
		}
		return pipeline.Output{}, apperr.Transient(fmt.Errorf("%s producer: %w", h.phase, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return pipeline.Output{}, apperr.Transient(fmt.Errorf("%s producer: read response: %w", h.phase, err))
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.Output{}, apperr.Transient(fmt.Errorf("%s producer: status %d: %s", h.phase, resp.StatusCode, bytes.TrimSpace(data)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return pipeline.Output{}, fmt.Errorf("%s producer: status %d: %s", h.phase, resp.StatusCode, bytes.TrimSpace(data))
	}

	var out pipeline.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return pipeline.Output{}, fmt.Errorf("%s producer: decode output: %w", h.phase, err)
	}
	return out, nil
}

// FromConfig builds one producer per phase. Phases without configuration,
// or configured as "builtin", get the builtin producer.
func FromConfig(cfgs map[string]config.ProducerConfig, logger *zap.Logger) map[pipeline.Phase]pipeline.Producer {
	out := make(map[pipeline.Phase]pipeline.Producer, len(pipeline.Phases))
	for _, phase := range pipeline.Phases {
		pc := cfgs[string(phase)]
		switch pc.Type {
		case "http":
			timeout := pc.Timeout.Std()
			if timeout <= 0 {
				timeout = time.Minute
			}
			out[phase] = NewHTTP(phase, pc.Endpoint, timeout, logger)
			logger.Info("phase producer", zap.String("phase", string(phase)), zap.String("endpoint", pc.Endpoint))
		default:
			out[phase] = NewBuiltin(phase, pc.StepDelay.Std())
		}
	}
	return out
}
