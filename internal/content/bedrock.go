package content

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockProvider generates content through AWS Bedrock (Anthropic models
// hosted in-account). Useful when traffic must stay inside AWS.
type BedrockProvider struct {
	name    string
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockProvider creates a Bedrock-backed provider. When accessKey is
// non-empty a static credential pair is used; otherwise the default AWS
// credential chain applies (instance profile, env, shared config).
func NewBedrockProvider(ctx context.Context, name, region, modelID, accessKey, secretKey string) (*BedrockProvider, error) {
	if region == "" {
		region = "us-east-1"
	}
	if modelID == "" {
		modelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &BedrockProvider{
		name:    name,
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Name identifies the provider for rate tracking.
func (p *BedrockProvider) Name() string { return p.name }

// Generate invokes the model with the Anthropic message schema Bedrock
// expects and parses the subject/body JSON from the first content block.
func (p *BedrockProvider) Generate(ctx context.Context, req Request) (Content, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        1000,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]string{
					{"type": "text", "text": buildPrompt(req)},
				},
			},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return Content{}, fmt.Errorf("marshal bedrock request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Content{}, fmt.Errorf("bedrock invoke failed: %w", err)
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(output.Body, &out); err != nil {
		return Content{}, fmt.Errorf("parse bedrock response: %w", err)
	}
	if len(out.Content) == 0 {
		return Content{}, fmt.Errorf("no content in bedrock response")
	}

	subject, body2, err := parseContent(out.Content[0].Text)
	if err != nil {
		return Content{}, err
	}
	if req.IsReply {
		subject = replySubject(req.OriginalSubject)
	}
	return Content{Subject: subject, Body: body2}, nil
}
