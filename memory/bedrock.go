//go:build bedrock
// +build bedrock

package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// titanEmbedModel is Amazon Titan's text embedding model.
const titanEmbedModel = "amazon.titan-embed-text-v1"

// BedrockEmbedder implements Embedder against AWS Bedrock's Titan
// Embed model via InvokeModel's raw-body path (distinct from the
// Converse API used for chat completions).
type BedrockEmbedder struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrockEmbedder wires cfg into a Bedrock Runtime client scoped to
// the Titan embedding model.
func NewBedrockEmbedder(cfg aws.Config) *BedrockEmbedder {
	return &BedrockEmbedder{
		client: bedrockruntime.NewFromConfig(cfg),
		model:  titanEmbedModel,
	}
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements Embedder.
func (e *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("bedrock embedder: marshal request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock embedder: invoke model: %w", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock embedder: parse response: %w", err)
	}
	return resp.Embedding, nil
}
