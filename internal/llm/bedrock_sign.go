package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// signBedrockRequest SigV4-signs an HTTP request for the "bedrock" service,
// the piece that lets AnthropicBedrockProvider present AWS credentials
// instead of an Anthropic API key.
func signBedrockRequest(ctx context.Context, req *http.Request, payload []byte, creds awssdk.Credentials, region string) error {
	hash := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(hash[:])

	signer := v4.NewSigner()
	return signer.SignHTTP(ctx, creds, req, payloadHash, "bedrock", region, time.Now())
}
