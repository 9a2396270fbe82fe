package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crowdsense/crowdsense-go/internal/domain"
	"github.com/crowdsense/crowdsense-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("client")

// Gemini-style generateContent request/response shapes. Only the fields
// this service reads are modelled.
type visionPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *visionInlineData `json:"inline_data,omitempty"`
}

type visionInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type visionRequest struct {
	Contents []struct {
		Parts []visionPart `json:"parts"`
	} `json:"contents"`
}

type visionResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// VisionClient calls the upstream AI vision API to count people in frames.
// Calls pass through the vision service's circuit breaker and a bulkhead
// capping concurrent upstream requests; the key rotator picks the
// credential before each call.
type VisionClient struct {
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
}

// NewVisionClient creates a new VisionClient.
func NewVisionClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, bulkhead *resilience.Bulkhead, cfg resilience.Config) *VisionClient {
	return &VisionClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		bulkhead:   bulkhead,
		cfg:        cfg,
	}
}

// CountPeople submits one frame with a single prompt and returns the count.
func (c *VisionClient) CountPeople(ctx context.Context, credential, imageData, prompt string) (int, error) {
	ctx, span := tracer.Start(ctx, "VisionClient.CountPeople")
	defer span.End()

	if prompt == "" {
		prompt = countPrompt
	}

	parts := []visionPart{
		{Text: prompt},
		{InlineData: &visionInlineData{MimeType: "image/jpeg", Data: imageData}},
	}

	text, err := c.generate(ctx, credential, parts)
	if err != nil {
		return 0, err
	}

	count, ok := parsePeopleCount(text)
	if !ok {
		return 0, &domain.ErrExternalService{Service: "vision", Err: fmt.Errorf("no count in answer %q", truncate(text, 80))}
	}
	span.SetAttributes(attribute.Int("crowd.people_count", count))
	return count, nil
}

// AnalyzeBatch submits several prompts as one multi-part call and returns
// per-prompt people counts in input order. A segment without a parseable
// count fails the whole batch; the coordinator treats that as a
// full-window failure.
func (c *VisionClient) AnalyzeBatch(ctx context.Context, credential string, prompts []string) ([]int, error) {
	ctx, span := tracer.Start(ctx, "VisionClient.AnalyzeBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("crowd.batch_size", len(prompts)))

	parts := []visionPart{{Text: buildMultiPrompt(prompts)}}

	text, err := c.generate(ctx, credential, parts)
	if err != nil {
		return nil, err
	}

	segments := splitMultiResponse(text, len(prompts))
	counts := make([]int, len(segments))
	for i, seg := range segments {
		n, ok := parsePeopleCount(seg)
		if !ok {
			return nil, &domain.ErrBatchParse{Service: "vision", Reason: fmt.Sprintf("segment %d has no count", i+1)}
		}
		counts[i] = n
	}
	return counts, nil
}

// generate performs the wire exchange under breaker, bulkhead and retry.
func (c *VisionClient) generate(ctx context.Context, credential string, parts []visionPart) (string, error) {
	if err := c.bulkhead.Acquire(ctx); err != nil {
		return "", err
	}
	defer c.bulkhead.Release()

	var visionResp visionResponse

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			var req visionRequest
			req.Contents = make([]struct {
				Parts []visionPart `json:"parts"`
			}, 1)
			req.Contents[0].Parts = parts

			body, err := json.Marshal(&req)
			if err != nil {
				return err
			}

			url := fmt.Sprintf("%s?key=%s", c.baseURL, credential)
			httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			httpReq.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(httpReq)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusTooManyRequests {
				return &domain.ErrRateLimited{Service: "vision"}
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("vision API returned status %d", resp.StatusCode)
			}

			return json.NewDecoder(resp.Body).Decode(&visionResp)
		})
	})
	if err != nil {
		return "", err
	}

	if len(visionResp.Candidates) == 0 || len(visionResp.Candidates[0].Content.Parts) == 0 {
		return "", &domain.ErrExternalService{Service: "vision", Err: fmt.Errorf("empty candidates")}
	}
	return visionResp.Candidates[0].Content.Parts[0].Text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
