package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerProvider resolves secrets from GCP Secret Manager. Keys
// map to prefixed secret names in the configured project, always at the
// latest version.
type GCPSecretManagerProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

func NewGCPSecretManagerProvider(cfg *Config) (*GCPSecretManagerProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("%w: GCP project is required", ErrProviderError)
	}

	client, err := secretmanager.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}

	prefix := cfg.GCPPrefix
	if prefix == "" {
		prefix = "mailroom-"
	}

	return &GCPSecretManagerProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  prefix,
	}, nil
}

func (p *GCPSecretManagerProvider) Get(ctx context.Context, key string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s%s/versions/latest", p.project, p.prefix, key)

	result, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	return string(result.Payload.Data), nil
}

func (p *GCPSecretManagerProvider) Name() string {
	return "gcp-sm"
}

// Close releases the underlying gRPC connection.
func (p *GCPSecretManagerProvider) Close() error {
	return p.client.Close()
}
